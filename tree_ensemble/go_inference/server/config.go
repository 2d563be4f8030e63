package server

import (
	"fmt"
	"os"
	"time"

	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/fhe/lattice"
	"github.com/Farx1/SA-FHE/pkg/fhe/simulate"
	"gopkg.in/yaml.v3"
)

const maxMessageSize = 1024 * 1024 * 1024 // 1GB

type Config struct {
	Address      string `yaml:"address"`
	ArtifactPath string `yaml:"artifact"`

	Backend string `yaml:"backend"`
	// AllowSimulator must be set for Backend "simulated". The simulator
	// sees every value in the clear.
	AllowSimulator bool           `yaml:"allow_simulator"`
	Parameters     fhe.Parameters `yaml:"parameters"`

	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`

	Debug bool `yaml:"debug"`
}

func DefaultConfig() Config {
	return Config{
		Address:        "localhost:50051",
		Backend:        lattice.Name,
		Parameters:     fhe.DefaultParameters(),
		Workers:        4,
		QueueSize:      64,
		RequestTimeout: 2 * time.Minute,
		MaxMessageSize: maxMessageSize,
	}
}

// LoadConfig overlays the YAML file at path on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	const op = "server.Config"
	if c.Workers < 1 {
		return fault.Errorf(fault.InvalidParameters, op, "workers = %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fault.Errorf(fault.InvalidParameters, op, "queue_size = %d", c.QueueSize)
	}
	if c.RequestTimeout <= 0 {
		return fault.Errorf(fault.InvalidParameters, op, "request_timeout = %s", c.RequestTimeout)
	}
	switch c.Backend {
	case lattice.Name:
	case simulate.Name:
		if !c.AllowSimulator {
			return fault.Errorf(fault.InvalidParameters, op, "backend %q requires allow_simulator", c.Backend)
		}
	default:
		return fault.Errorf(fault.InvalidParameters, op, "unknown backend %q", c.Backend)
	}
	return c.Parameters.Validate()
}

// OpenBackend builds the backend named by the configuration.
func OpenBackend(c Config) (fhe.Backend, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Backend == simulate.Name {
		return simulate.New(c.Parameters, simulate.Options{TestOnly: c.AllowSimulator})
	}
	return lattice.New(c.Parameters)
}
