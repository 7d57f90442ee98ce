package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/gateway"
	"github.com/wudi/edgegate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Path to a dotenv file loaded before the configuration")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgegate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().WithEnvFile(*envFile).Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	os.Exit(run(cfg, *configPath))
}

func run(cfg *config.Config, configPath string) int {
	defer logging.Sync()

	gateway.Version = version
	logging.Info("Starting edgegate",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("mode", cfg.Mode),
		zap.Int("routes", len(cfg.Routes)),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		return 1
	}

	if err := server.Run(context.Background()); err != nil {
		logging.Error("Server error", zap.Error(err))
		return 1
	}
	return 0
}
