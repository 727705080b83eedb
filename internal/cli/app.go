package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tomyedwab/nonefly/config"
	"github.com/tomyedwab/nonefly/instances"
	"github.com/tomyedwab/nonefly/internal/handlers"
	"github.com/tomyedwab/nonefly/registry"
	"github.com/tomyedwab/nonefly/storage"
)

// app holds the wired components shared by the commands.
type app struct {
	store       *storage.Store
	provisioner *instances.Provisioner
	supervisor  *instances.Supervisor
	mirror      *registry.Mirror
	logger      *slog.Logger
}

// newApp opens (and migrates) the database, then builds every component on
// top of it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	portManager, err := instances.NewPortManager(cfg.Supervisor.Host, cfg.Supervisor.PortMin, cfg.Supervisor.PortMax)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating port manager: %w", err)
	}

	supervisor, err := instances.NewSupervisor(instances.SupervisorConfig{
		PortManager:   portManager,
		VenvDir:       cfg.Provision.VenvDir,
		Entrypoint:    cfg.Supervisor.Entrypoint,
		ShutdownGrace: cfg.Supervisor.ShutdownGrace,
		Logger:        logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating supervisor: %w", err)
	}

	mirror, err := registry.NewMirror(registry.Config{
		Store:       store,
		AdaptersURL: cfg.Registry.AdaptersURL,
		PluginsURL:  cfg.Registry.PluginsURL,
		Timeout:     cfg.Registry.Timeout,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating registry mirror: %w", err)
	}

	provisioner := instances.NewProvisioner(instances.ProvisionerConfig{
		Python:        cfg.Provision.Python,
		VenvDir:       cfg.Provision.VenvDir,
		Requirement:   cfg.Provision.Requirement,
		Entrypoint:    cfg.Supervisor.Entrypoint,
		MaxConcurrent: cfg.Provision.MaxConcurrent,
		Timeout:       cfg.Provision.Timeout,
		Logger:        logger,
	})

	return &app{
		store:       store,
		provisioner: provisioner,
		supervisor:  supervisor,
		mirror:      mirror,
		logger:      logger,
	}, nil
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	handlers.New(a.store, a.provisioner, a.supervisor, a.mirror, a.logger).Register(mux)
	return mux
}

// shutdown stops every running bot and closes the database.
func (a *app) shutdown(ctx context.Context) {
	a.supervisor.Shutdown(ctx)
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close database", "error", err)
	}
}
