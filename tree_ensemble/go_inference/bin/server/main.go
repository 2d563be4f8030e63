// Command server serves a compiled artifact over gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Farx1/SA-FHE/pkg/circuit"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/common"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/server"
)

func main() {
	var (
		configPath   string
		address      string
		artifactPath string
		workers      int
		queueSize    int
		debug        bool
	)
	flag.StringVar(&configPath, "config", "", "YAML configuration file")
	flag.StringVar(&address, "addr", "", "listen address, overrides the configuration")
	flag.StringVar(&artifactPath, "artifact", "", "compiled artifact, overrides the configuration")
	flag.IntVar(&workers, "workers", 0, "evaluation workers, overrides the configuration")
	flag.IntVar(&queueSize, "queue", 0, "pending request limit, overrides the configuration")
	flag.BoolVar(&debug, "debug", false, "log every request")
	flag.Parse()

	if err := run(configPath, func(cfg *server.Config) {
		if address != "" {
			cfg.Address = address
		}
		if artifactPath != "" {
			cfg.ArtifactPath = artifactPath
		}
		if workers > 0 {
			cfg.Workers = workers
		}
		if queueSize > 0 {
			cfg.QueueSize = queueSize
		}
		cfg.Debug = cfg.Debug || debug
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, override func(*server.Config)) error {
	cfg := server.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = server.LoadConfig(configPath); err != nil {
			return err
		}
	}
	override(&cfg)
	if cfg.ArtifactPath == "" {
		return fmt.Errorf("no artifact given")
	}

	log := common.NewLogger("Server", cfg.Debug)
	backend, err := server.OpenBackend(cfg)
	if err != nil {
		return err
	}
	a, err := circuit.LoadArtifact(cfg.ArtifactPath)
	if err != nil {
		return fmt.Errorf("failed to load artifact: %w", err)
	}
	srv, err := server.NewInferenceServer(cfg, backend, a, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx, srv)
}
