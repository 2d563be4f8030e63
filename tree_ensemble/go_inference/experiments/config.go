package experiments

import (
	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/lattice"
	"github.com/Farx1/SA-FHE/pkg/fhe/simulate"
)

type ExperimentConfig struct {
	Scenario   string
	Backend    string
	Parameters fhe.Parameters
	Model      ensemble.RandomOptions
	Bits       int
	// Samples is the number of test vectors, each sent as one request.
	Samples     int
	Concurrency int
	Workers     int
	QueueSize   int
	Seed        int64
	// ResultsDir receives a results file when set.
	ResultsDir string
}

var scenarioConfigs = map[string]ExperimentConfig{
	// 768-dimensional sentence embeddings, 3-bit quantization as deployed.
	"sentiment": {
		Backend:    lattice.Name,
		Parameters: fhe.DefaultParameters(),
		Model: ensemble.RandomOptions{
			NumFeatures: 768, NumTrees: 10, Depth: 3, Min: -1, Max: 1,
		},
		Bits:        3,
		Samples:     8,
		Concurrency: 2,
		Workers:     2,
		QueueSize:   8,
		Seed:        1,
		ResultsDir:  "results",
	},
	"small_lattice": {
		Backend:    lattice.Name,
		Parameters: fhe.TestParameters(),
		Model: ensemble.RandomOptions{
			NumFeatures: 16, NumTrees: 4, Depth: 2, Min: 0, Max: 1,
		},
		Bits:        2,
		Samples:     4,
		Concurrency: 2,
		Workers:     2,
		QueueSize:   4,
		Seed:        2,
	},
	"simulated_binary": {
		Backend:    simulate.Name,
		Parameters: fhe.TestParameters(),
		Model: ensemble.RandomOptions{
			NumFeatures: 768, NumTrees: 10, Depth: 3, Min: -1, Max: 1,
		},
		Bits:        3,
		Samples:     32,
		Concurrency: 8,
		Workers:     4,
		QueueSize:   64,
		Seed:        3,
	},
	"simulated_multiclass": {
		Backend:    simulate.Name,
		Parameters: fhe.TestParameters(),
		Model: ensemble.RandomOptions{
			NumFeatures: 64, NumTrees: 9, Depth: 3, NumClasses: 3, Min: 0, Max: 1,
		},
		Bits:        4,
		Samples:     24,
		Concurrency: 4,
		Workers:     2,
		QueueSize:   32,
		Seed:        4,
	},
}

func GetScenario(name string) (ExperimentConfig, bool) {
	config, ok := scenarioConfigs[name]
	config.Scenario = name
	return config, ok
}
