// Command compile turns a trained ensemble into an artifact for the server.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Farx1/SA-FHE/pkg/ensemble"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/common"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/modelowner"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/server"
)

func main() {
	var (
		cfg        modelowner.Config
		configPath string
		objective  string
		labels     string
		testParams bool
	)
	flag.StringVar(&cfg.ModelPath, "model", "", "trained model")
	flag.StringVar(&cfg.Format, "format", modelowner.FormatNative, "model format: native or xgboost")
	flag.IntVar(&cfg.Dump.NumFeatures, "features", 768, "feature count of an xgboost dump")
	flag.IntVar(&cfg.Dump.NumClasses, "classes", 0, "class count of an xgboost dump")
	flag.StringVar(&objective, "objective", string(ensemble.BinaryLogistic), "objective of an xgboost dump")
	flag.StringVar(&labels, "labels", "", "comma separated class labels of an xgboost dump")
	flag.StringVar(&cfg.SchemePath, "scheme", "", "existing quantization scheme")
	flag.StringVar(&cfg.CalibrationPath, "calibration", "", "CSV to calibrate the scheme on")
	flag.IntVar(&cfg.CalibrationRows, "rows", 0, "calibration rows to read, 0 for all")
	flag.IntVar(&cfg.Bits, "bits", 3, "quantization bits per feature")
	flag.Int64Var(&cfg.LeafScale, "leaf-scale", 0, "fixed-point leaf scale, 0 to derive it")
	flag.StringVar(&configPath, "config", "", "server configuration whose parameters to compile for")
	flag.BoolVar(&testParams, "test-params", false, "compile for the insecure test parameters")
	flag.StringVar(&cfg.OutputPath, "out", "artifact.json", "artifact output path")
	flag.Parse()

	cfg.Dump.Objective = ensemble.Objective(objective)
	if labels != "" {
		cfg.Dump.Labels = strings.Split(labels, ",")
	}
	cfg.Parameters = fhe.DefaultParameters()
	if testParams {
		cfg.Parameters = fhe.TestParameters()
	}
	if configPath != "" {
		sc, err := server.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg.Parameters = sc.Parameters
	}

	log := common.NewLogger("ModelOwner", false)
	owner, err := modelowner.NewModelOwner(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Header(fmt.Sprintf("Compiling %s", cfg.ModelPath))
	start := time.Now()
	if _, err := owner.Build(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.RunningTime("Compilation", start)
}
