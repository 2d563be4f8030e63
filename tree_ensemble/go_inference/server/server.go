package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Farx1/SA-FHE/pkg/circuit"
	"github.com/Farx1/SA-FHE/pkg/evaluator"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/serialization"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/common"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/rpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
)

type ServerTiming struct {
	ClientDataTransfer common.TimingStats
	Deserialization    common.TimingStats
	QueueWait          common.TimingStats
	Evaluation         common.TimingStats
}

// InferenceServer serves one compiled artifact. The circuit and scheme are
// shared read-only by every request; everything else belongs to a request.
type InferenceServer struct {
	cfg      Config
	backend  fhe.Backend
	artifact *circuit.Artifact
	manifest *rpc.Manifest
	budget   circuit.Budget

	dispatcher *Dispatcher
	log        *common.Logger

	mu     sync.RWMutex
	timing ServerTiming
}

var _ rpc.InferenceServer = (*InferenceServer)(nil)

// NewInferenceServer checks that backend can run the artifact's circuit
// and starts the worker pool.
func NewInferenceServer(cfg Config, backend fhe.Backend, a *circuit.Artifact, log *common.Logger) (*InferenceServer, error) {
	if log == nil {
		log = common.Discard()
	}
	budget, err := evaluator.Check(a.Circuit, backend)
	if err != nil {
		return nil, fmt.Errorf("artifact %s cannot run on backend %s: %w", a.Circuit.ID(), backend.Name(), err)
	}
	scheme, err := json.Marshal(a.Scheme)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scheme: %w", err)
	}
	c := a.Circuit
	s := &InferenceServer{
		cfg:      cfg,
		backend:  backend,
		artifact: a,
		budget:   budget,
		log:      log,
		manifest: &rpc.Manifest{
			Backend:        backend.Name(),
			Parameters:     backend.Parameters(),
			MaxCompareBits: backend.MaxCompareBits(),
			Scheme:         scheme,
			SchemeID:       a.Scheme.ID(),
			CircuitID:      c.ID(),
			NumFeatures:    c.NumFeatures,
			Bits:           c.Bits,
			Classes:        c.Classes,
			LeafScale:      c.LeafScale,
			Labels:         c.Labels,
			Objective:      c.Objective,
			Rotations:      c.Rotations(),
		},
	}
	s.dispatcher = NewDispatcher(EvaluateCircuit(backend, c), DispatcherOptions{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    log,
	})
	log.Printf("serving circuit %s (scheme %s, %d comparisons, depth %d) on %s with %d workers",
		c.ID(), a.Scheme.ID(), c.Comparisons(), c.Depth(), backend.Name(), cfg.Workers)
	if budget.Critical >= 0 {
		log.Printf("planned noise budget: %d of %d bits left", budget.Remaining, budget.Fresh)
	}
	return s, nil
}

func (s *InferenceServer) GetTiming() *ServerTiming {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &s.timing
}

func (s *InferenceServer) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *InferenceServer) Manifest(ctx context.Context, req *rpc.ManifestRequest) (*rpc.Manifest, error) {
	s.log.Debugf("manifest requested by %q", req.ClientID)
	return s.manifest, nil
}

func (s *InferenceServer) Predict(ctx context.Context, req *rpc.PredictRequest) (*rpc.PredictResponse, error) {
	resp, err := s.predict(ctx, req)
	if err != nil {
		s.log.Debugf("request %s from %q failed: %v", req.RequestID, req.ClientID, err)
		return nil, rpc.ToStatus(err)
	}
	return resp, nil
}

func (s *InferenceServer) predict(ctx context.Context, req *rpc.PredictRequest) (*rpc.PredictResponse, error) {
	const op = "server.Predict"
	c := s.artifact.Circuit
	if req.SerializationStartTime != nil {
		s.timing.ClientDataTransfer.AddSample(time.Since(req.SerializationStartTime.AsTime()))
	}
	if req.SchemeID != s.manifest.SchemeID {
		return nil, fault.Errorf(fault.SchemeMismatch, op, "request quantized under %q, server holds %q", req.SchemeID, s.manifest.SchemeID)
	}
	if req.CircuitID != s.manifest.CircuitID {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "request targets circuit %q, server holds %q", req.CircuitID, s.manifest.CircuitID)
	}
	if req.RequestID == "" {
		return nil, fault.Errorf(fault.CircuitMismatch, op, "missing request id")
	}

	start := time.Now()
	evk, err := s.backend.UnmarshalEvaluationKey(req.EvaluationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize evaluation key: %w", err)
	}
	inputs := make([]fhe.Ciphertext, len(req.Inputs))
	for i, data := range req.Inputs {
		if inputs[i], err = s.backend.UnmarshalCiphertext(data); err != nil {
			return nil, fmt.Errorf("failed to deserialize input %d: %w", i, err)
		}
	}
	if _, err := c.Layout(inputs); err != nil {
		return nil, fault.New(fault.CircuitMismatch, op, err)
	}
	s.timing.Deserialization.AddSample(time.Since(start))

	deadline := time.Now().Add(s.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	f, err := s.dispatcher.Submit(&Request{ID: req.RequestID, Inputs: inputs, Key: evk, Deadline: deadline})
	if err != nil {
		return nil, err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	s.timing.QueueWait.AddSample(res.QueueTime)
	s.timing.Evaluation.AddSample(res.Elapsed)

	env := serialization.PredictionBytes{
		SchemeID:  res.Prediction.SchemeID,
		CircuitID: res.Prediction.CircuitID,
		Classes:   make([][]byte, len(res.Prediction.Classes)),
	}
	for class, ct := range res.Prediction.Classes {
		if env.Classes[class], err = s.backend.MarshalCiphertext(ct); err != nil {
			return nil, fmt.Errorf("failed to serialize class %d: %w", class, err)
		}
	}
	data, err := serialization.SerializePrediction(env)
	if err != nil {
		return nil, err
	}
	return &rpc.PredictResponse{
		RequestID:      req.RequestID,
		Prediction:     data,
		QueueTime:      durationpb.New(res.QueueTime),
		ProcessingTime: durationpb.New(res.Elapsed),
		Refreshes:      res.Prediction.Trace.Refreshes,
	}, nil
}

func (s *InferenceServer) Health(ctx context.Context, req *rpc.HealthRequest) (*rpc.HealthResponse, error) {
	st := s.dispatcher.Stats()
	return &rpc.HealthResponse{
		Status:      "ok",
		ModelLoaded: s.artifact != nil,
		Backend:     s.backend.Name(),
		Workers:     st.Workers,
		QueueDepth:  st.QueueDepth,
		QueueSize:   st.QueueSize,
		Served:      st.Served,
		Rejected:    st.Rejected,
		Failed:      st.Failed,
		Expired:     st.Expired,
	}, nil
}

// Close drains the worker pool.
func (s *InferenceServer) Close() error {
	s.dispatcher.Close()
	return nil
}

// NewGRPCServer registers srv on a gRPC server sized for key material.
func NewGRPCServer(srv *InferenceServer) *grpc.Server {
	size := srv.cfg.MaxMessageSize
	if size <= 0 {
		size = maxMessageSize
	}
	g := grpc.NewServer(
		grpc.MaxRecvMsgSize(size),
		grpc.MaxSendMsgSize(size),
	)
	rpc.RegisterInferenceServer(g, srv)
	return g
}

// Serve listens on cfg.Address until ctx is cancelled, then stops
// gracefully.
func Serve(ctx context.Context, srv *InferenceServer) error {
	lis, err := net.Listen("tcp", srv.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	g := NewGRPCServer(srv)

	errc := make(chan error, 1)
	go func() { errc <- g.Serve(lis) }()
	srv.log.Printf("listening on %s", lis.Addr())

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errc
		return srv.Close()
	case err := <-errc:
		srv.Close()
		return err
	}
}
