package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/gateway"
	"github.com/wudi/routegate/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func defaultConfigPath() string {
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
		return p
	}
	return "kong.yml"
}

// applyEnvOverrides lets the process environment win over the file for the
// listen port and log settings.
func applyEnvOverrides(cfg *config.Config) {
	for _, name := range []string{"PORT", "APP_PORT"} {
		if port := os.Getenv(name); port != "" {
			cfg.Server.Address = ":" + port
			break
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if dir := os.Getenv("LOG_DIRECTORY"); dir != "" && cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(dir, "gateway.log")
	}
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath(), "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("API Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)

	if *validateOnly {
		report, err := gateway.Validate(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration is valid (%d services, %d routes, %d entries, %d warnings)\n",
			report.Services, report.Routes, report.Entries, len(report.Warnings))
		os.Exit(0)
	}

	// Initialize structured logger
	logger, err := logging.NewWithConfig(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting API Gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("address", cfg.Server.Address),
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", cfg.RouteCount()),
	)

	server, err := gateway.NewServer(cfg, *configPath)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
