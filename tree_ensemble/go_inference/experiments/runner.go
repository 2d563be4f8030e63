package experiments

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Farx1/SA-FHE/pkg/circuit"
	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fhe/simulate"
	"github.com/Farx1/SA-FHE/pkg/quantize"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/client"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/common"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/modelowner"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/server"
	"google.golang.org/grpc"
)

type ExperimentResult struct {
	Timing   TimingInfo
	Accuracy AccuracyInfo
	Wall     time.Duration
}

type TimingInfo struct {
	Client struct {
		KeyGeneration common.Summary
		Encryption    common.Summary
		Serialization common.Summary
		RoundTrip     common.Summary
		Decryption    common.Summary
	}
	Server struct {
		DataTransfer    common.Summary
		Deserialization common.Summary
		QueueWait       common.Summary
		Evaluation      common.Summary
	}
	ModelOwner modelowner.ModelOwnerTiming
}

// AccuracyInfo compares encrypted predictions with the compiled circuit
// run in the clear (Exact) and with the floating-point model (Model).
type AccuracyInfo struct {
	Exact   int
	Model   int
	Total   int
	Refused int
}

func (a AccuracyInfo) ExactPercentage() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Exact) * 100.0 / float64(a.Total)
}

func (a AccuracyInfo) ModelPercentage() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Model) * 100.0 / float64(a.Total)
}

type serverInstance struct {
	grpcServer      *grpc.Server
	inferenceServer *server.InferenceServer
	listener        net.Listener
}

func sampleVectors(rng *rand.Rand, config ExperimentConfig, n int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, config.Model.NumFeatures)
		for j := range rows[i] {
			rows[i][j] = config.Model.Min + rng.Float64()*(config.Model.Max-config.Model.Min)
		}
	}
	return rows
}

func writeCSV(path string, rows [][]float64) error {
	var b strings.Builder
	for _, row := range rows {
		for j, v := range row {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%g", v)
		}
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// buildArtifact plays the model owner: a synthetic model and calibration
// sample are written to dir and compiled from there.
func buildArtifact(config ExperimentConfig, rng *rand.Rand, dir string) (*circuit.Artifact, *ensemble.Model, modelowner.ModelOwnerTiming, error) {
	var timing modelowner.ModelOwnerTiming
	m := ensemble.Random(rng, config.Model)
	modelPath := filepath.Join(dir, "model.json")
	if err := ensemble.SaveModelToJSON(modelPath, m); err != nil {
		return nil, nil, timing, err
	}
	calibrationPath := filepath.Join(dir, "calibration.csv")
	if err := writeCSV(calibrationPath, sampleVectors(rng, config, 200)); err != nil {
		return nil, nil, timing, err
	}

	owner, err := modelowner.NewModelOwner(modelowner.Config{
		ModelPath:       modelPath,
		CalibrationPath: calibrationPath,
		Bits:            config.Bits,
		Parameters:      config.Parameters,
		OutputPath:      filepath.Join(dir, "artifact.json"),
	}, common.Discard())
	if err != nil {
		return nil, nil, timing, err
	}
	a, err := owner.Build()
	if err != nil {
		return nil, nil, timing, err
	}
	return a, m, owner.GetTiming(), nil
}

func startServer(config ExperimentConfig, artifactPath string) (*serverInstance, error) {
	cfg := server.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.ArtifactPath = artifactPath
	cfg.Backend = config.Backend
	cfg.AllowSimulator = config.Backend == simulate.Name
	cfg.Parameters = config.Parameters
	cfg.Workers = config.Workers
	cfg.QueueSize = config.QueueSize

	backend, err := server.OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	a, err := circuit.LoadArtifact(cfg.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	srv, err := server.NewInferenceServer(cfg, backend, a, common.Discard())
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("failed to listen: %v", err)
	}
	grpcServer := server.NewGRPCServer(srv)
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			fmt.Printf("failed to serve: %v\n", err)
		}
	}()

	return &serverInstance{
		grpcServer:      grpcServer,
		inferenceServer: srv,
		listener:        listener,
	}, nil
}

func stopServer(s *serverInstance) {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.inferenceServer != nil {
		s.inferenceServer.Close()
	}
}

// expectedLabels returns the label of the compiled circuit on the quantized
// vector and of the model on the raw vector.
func expectedLabels(a *circuit.Artifact, m *ensemble.Model, x []float64) (string, string, error) {
	c := a.Circuit
	q, err := quantize.Quantize(x, a.Scheme)
	if err != nil {
		return "", "", err
	}
	raw, err := circuit.Eval(c, q)
	if err != nil {
		return "", "", err
	}
	scores := make([]float64, len(raw))
	for i, r := range raw {
		scores[i] = c.Score(r)
	}
	exact, err := client.Interpret(scores, c.Objective, c.Labels)
	if err != nil {
		return "", "", err
	}
	floats, err := m.PredictRaw(x)
	if err != nil {
		return "", "", err
	}
	model, err := client.Interpret(floats, m.Objective, m.LabelSet())
	if err != nil {
		return "", "", err
	}
	return exact.Label, model.Label, nil
}

func writeResultsToFile(config ExperimentConfig, result ExperimentResult) error {
	output := formatResults(config, result)
	fmt.Println(output)
	if config.ResultsDir == "" {
		return nil
	}

	resultsDir := filepath.Join(config.ResultsDir, config.Scenario)
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %v", err)
	}
	resultsFile := filepath.Join(resultsDir, fmt.Sprintf("results_%s_%s.txt", config.Scenario, config.Backend))
	if _, err := os.Stat(resultsFile); err == nil {
		if err := os.Rename(resultsFile, resultsFile+".bak"); err != nil {
			return fmt.Errorf("failed to backup existing results file: %v", err)
		}
	}
	if err := os.WriteFile(resultsFile, []byte(output), 0644); err != nil {
		return fmt.Errorf("failed to write results: %v", err)
	}
	return nil
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func formatResults(config ExperimentConfig, r ExperimentResult) string {
	t := r.Timing
	return fmt.Sprintf(`
=== Experiment Results ===
Scenario: %s
Backend: %s
Model: %d features, %d trees, depth %d, %d bits
Requests: %d (%d concurrent, %d workers)

Accuracy:
  Circuit Agreement:  %.2f%% (%d/%d)
  Model Agreement:    %.2f%% (%d/%d)
  Refused:            %d

Model Owner Times:
  Model Loading:      %v
  Calibration:        %v
  Compilation:        %v

Client Times:
  Key Generation:     %.2f ± %.2f ms
  Encryption:         %.2f ± %.2f ms
  Serialization:      %.2f ± %.2f ms
  Round Trip:         %.2f ± %.2f ms (p95 %.2f ms)
  Decryption:         %.2f ± %.2f ms

Server Times:
  Data Transfer:      %.2f ± %.2f ms
  Deserialization:    %.2f ± %.2f ms
  Queue Wait:         %.2f ± %.2f ms
  Evaluation:         %.2f ± %.2f ms (p95 %.2f ms)

Wall Time:            %v
`,
		config.Scenario,
		config.Backend,
		config.Model.NumFeatures, config.Model.NumTrees, config.Model.Depth, config.Bits,
		r.Accuracy.Total, config.Concurrency, config.Workers,

		r.Accuracy.ExactPercentage(), r.Accuracy.Exact, r.Accuracy.Total,
		r.Accuracy.ModelPercentage(), r.Accuracy.Model, r.Accuracy.Total,
		r.Accuracy.Refused,

		t.ModelOwner.ModelLoading,
		t.ModelOwner.Calibration,
		t.ModelOwner.Compilation,

		ms(t.Client.KeyGeneration.Mean), ms(t.Client.KeyGeneration.StdDev),
		ms(t.Client.Encryption.Mean), ms(t.Client.Encryption.StdDev),
		ms(t.Client.Serialization.Mean), ms(t.Client.Serialization.StdDev),
		ms(t.Client.RoundTrip.Mean), ms(t.Client.RoundTrip.StdDev), ms(t.Client.RoundTrip.P95),
		ms(t.Client.Decryption.Mean), ms(t.Client.Decryption.StdDev),

		ms(t.Server.DataTransfer.Mean), ms(t.Server.DataTransfer.StdDev),
		ms(t.Server.Deserialization.Mean), ms(t.Server.Deserialization.StdDev),
		ms(t.Server.QueueWait.Mean), ms(t.Server.QueueWait.StdDev),
		ms(t.Server.Evaluation.Mean), ms(t.Server.Evaluation.StdDev), ms(t.Server.Evaluation.P95),

		r.Wall)
}

func RunScenario(t *testing.T, name string) ExperimentResult {
	config, ok := GetScenario(name)
	if !ok {
		t.Fatalf("unknown scenario %q", name)
	}
	return runExperiment(t, config)
}

func runExperiment(t *testing.T, config ExperimentConfig) ExperimentResult {
	log := common.NewLogger("Experiment", false)
	log.Header(fmt.Sprintf("Scenario %s on %s", config.Scenario, config.Backend))
	rng := rand.New(rand.NewSource(config.Seed))

	fmt.Println("\n[Step 1] Compiling model...")
	dir := t.TempDir()
	artifact, model, ownerTiming, err := buildArtifact(config, rng, dir)
	if err != nil {
		t.Fatal(fmt.Errorf("failed to build artifact: %v", err))
	}
	fmt.Printf("✓ Circuit %s compiled: %d comparisons, depth %d\n",
		artifact.Circuit.ID(), artifact.Circuit.Comparisons(), artifact.Circuit.Depth())

	fmt.Println("\n[Step 2] Starting inference server...")
	srv, err := startServer(config, filepath.Join(dir, "artifact.json"))
	if err != nil {
		t.Fatal(fmt.Errorf("failed to start server: %v", err))
	}
	defer stopServer(srv)
	fmt.Printf("✓ Server listening on %s\n", srv.listener.Addr())

	fmt.Println("\n[Step 3] Connecting client...")
	ctx := context.Background()
	c, err := client.Dial(ctx, srv.listener.Addr().String(), client.Options{
		ClientID:       "experiment",
		AllowSimulator: config.Backend == simulate.Name,
		MaxRetries:     3,
	})
	if err != nil {
		t.Fatal(fmt.Errorf("failed to create client: %v", err))
	}
	defer c.Close()

	fmt.Printf("\n[Step 4] Sending %d requests...\n", config.Samples)
	vectors := sampleVectors(rng, config, config.Samples)
	var (
		mu       sync.Mutex
		accuracy = AccuracyInfo{Total: len(vectors)}
		wg       sync.WaitGroup
	)
	work := make(chan []float64)
	start := time.Now()
	for w := 0; w < config.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for x := range work {
				exact, want, err := expectedLabels(artifact, model, x)
				if err != nil {
					t.Error(err)
					continue
				}
				res, err := c.Predict(ctx, x)
				mu.Lock()
				switch {
				case err != nil:
					accuracy.Refused++
					t.Errorf("prediction failed: %v", err)
				default:
					if res.Label == exact {
						accuracy.Exact++
					}
					if res.Label == want {
						accuracy.Model++
					}
				}
				mu.Unlock()
			}
		}()
	}
	for _, x := range vectors {
		work <- x
	}
	close(work)
	wg.Wait()
	wall := time.Since(start)
	log.RunningTime("Inference", start)

	var result ExperimentResult
	result.Accuracy = accuracy
	result.Wall = wall
	result.Timing.ModelOwner = ownerTiming
	ct := c.GetTiming()
	result.Timing.Client.KeyGeneration = ct.KeyGeneration.Summary()
	result.Timing.Client.Encryption = ct.Encryption.Summary()
	result.Timing.Client.Serialization = ct.Serialization.Summary()
	result.Timing.Client.RoundTrip = ct.RoundTrip.Summary()
	result.Timing.Client.Decryption = ct.Decryption.Summary()
	st := srv.inferenceServer.GetTiming()
	result.Timing.Server.DataTransfer = st.ClientDataTransfer.Summary()
	result.Timing.Server.Deserialization = st.Deserialization.Summary()
	result.Timing.Server.QueueWait = st.QueueWait.Summary()
	result.Timing.Server.Evaluation = st.Evaluation.Summary()

	if err := writeResultsToFile(config, result); err != nil {
		t.Error(err)
	}
	return result
}
