// Package modelowner turns a trained ensemble and its calibration data
// into the artifact a server loads.
package modelowner

import (
	"fmt"
	"sync"
	"time"

	"github.com/Farx1/SA-FHE/pkg/circuit"
	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/pkg/quantize"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/common"
)

const (
	FormatNative  = "native"
	FormatXGBoost = "xgboost"
)

type Config struct {
	ModelPath string
	// Format is FormatNative or FormatXGBoost.
	Format string
	// Dump describes an XGBoost dump.
	Dump ensemble.DumpOptions

	// SchemePath loads an existing scheme. Otherwise the scheme is
	// calibrated on up to CalibrationRows rows of CalibrationPath.
	SchemePath      string
	CalibrationPath string
	CalibrationRows int
	Bits            int

	Parameters   fhe.Parameters
	LeafScale    int64
	MaxLeafScale int64

	OutputPath string
}

type ModelOwnerTiming struct {
	ModelLoading time.Duration
	Calibration  time.Duration
	Compilation  time.Duration
}

type ModelOwner struct {
	cfg Config
	log *common.Logger

	mu     sync.RWMutex
	timing ModelOwnerTiming
}

func NewModelOwner(cfg Config, log *common.Logger) (*ModelOwner, error) {
	if log == nil {
		log = common.Discard()
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("no model path")
	}
	if cfg.SchemePath == "" && cfg.CalibrationPath == "" {
		return nil, fmt.Errorf("need a scheme or calibration data")
	}
	if err := cfg.Parameters.Validate(); err != nil {
		return nil, err
	}
	return &ModelOwner{cfg: cfg, log: log}, nil
}

func (o *ModelOwner) GetTiming() ModelOwnerTiming {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.timing
}

func (o *ModelOwner) LoadModel() (*ensemble.Model, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := time.Now()
	defer func() { o.timing.ModelLoading = time.Since(start) }()

	switch o.cfg.Format {
	case FormatNative, "":
		return ensemble.LoadModelFromJSON(o.cfg.ModelPath)
	case FormatXGBoost:
		return ensemble.LoadXGBoostDump(o.cfg.ModelPath, o.cfg.Dump)
	}
	return nil, fmt.Errorf("unknown model format %q", o.cfg.Format)
}

// Scheme loads the configured scheme or calibrates one for m.
func (o *ModelOwner) Scheme(m *ensemble.Model) (*quantize.Scheme, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := time.Now()
	defer func() { o.timing.Calibration = time.Since(start) }()

	if o.cfg.SchemePath != "" {
		s, err := quantize.LoadScheme(o.cfg.SchemePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load scheme: %w", err)
		}
		if s.Dim() != m.NumFeatures {
			return nil, fault.Errorf(fault.SchemeMismatch, "modelowner.Scheme",
				"scheme covers %d features, model has %d", s.Dim(), m.NumFeatures)
		}
		return s, nil
	}

	rows, _, err := quantize.LoadCSV(o.cfg.CalibrationPath, m.NumFeatures, o.cfg.CalibrationRows)
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration data: %w", err)
	}
	o.log.Printf("calibrating %d-bit scheme on %d rows", o.cfg.Bits, len(rows))
	return quantize.Calibrate(rows, o.cfg.Bits)
}

func (o *ModelOwner) Compile(m *ensemble.Model, s *quantize.Scheme) (*circuit.Artifact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := time.Now()
	defer func() { o.timing.Compilation = time.Since(start) }()

	c, err := circuit.Compile(m, s, circuit.Options{
		Modulus:      o.cfg.Parameters.PlaintextModulus,
		LeafScale:    o.cfg.LeafScale,
		MaxLeafScale: o.cfg.MaxLeafScale,
	})
	if err != nil {
		return nil, err
	}
	budget, err := circuit.Plan(c, o.cfg.Parameters.NoiseModel())
	if err != nil {
		o.log.Printf("warning: circuit %s needs refresh under these parameters: %v", c.ID(), err)
	} else {
		o.log.Printf("circuit %s: %d nodes, %d comparisons, depth %d, %d of %d bits of budget left",
			c.ID(), len(c.Nodes), c.Comparisons(), c.Depth(), budget.Remaining, budget.Fresh)
	}
	return circuit.NewArtifact(s, c)
}

// Build loads, calibrates and compiles, and writes the artifact when an
// output path is configured.
func (o *ModelOwner) Build() (*circuit.Artifact, error) {
	m, err := o.LoadModel()
	if err != nil {
		return nil, err
	}
	s, err := o.Scheme(m)
	if err != nil {
		return nil, err
	}
	a, err := o.Compile(m, s)
	if err != nil {
		return nil, err
	}
	if o.cfg.OutputPath != "" {
		if err := circuit.SaveArtifact(o.cfg.OutputPath, a); err != nil {
			return nil, err
		}
		o.log.Printf("wrote artifact %s", o.cfg.OutputPath)
	}
	return a, nil
}
