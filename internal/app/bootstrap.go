// Package app wires configuration, certificates, the suspend gate, the
// cluster registry, the HTTPS router and the admin API into one process.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clusterproxy/internal/config"
	"clusterproxy/pkg/logging"
)

// Application bootstraps and runs the cluster proxy.
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads the configuration, initializes logging and builds
// every service. Nothing listens until Run.
func NewApplication(cfg *Config) (*Application, error) {
	settings, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logging.ParseLevel(settings.Log.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, logging.Format(settings.Log.Format), os.Stderr)

	if cfg.ConfigPath != "" {
		logging.Info("Bootstrap", "Loaded configuration from %s", cfg.ConfigPath)
	} else {
		logging.Info("Bootstrap", "Loaded layered configuration (%d clusters)", len(settings.Clusters))
	}

	services, err := InitializeServices(settings, cfg.Version)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Services exposes the wired services.
func (a *Application) Services() *Services {
	return a.services
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.services.Serve(ctx)
}
