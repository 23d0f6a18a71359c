package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/providers/aws"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// runtime bundles everything a provisioning command needs: the validated
// project, the handler set bound to its region, and the run history store.
type runtime struct {
	project  *config.Project
	logger   *telemetry.Logger
	registry *engine.Registry
	handlers *aws.HandlerSet
	store    stores.Store
	recorder engine.Recorder
	tracer   *telemetry.Tracer
}

// newRuntime loads the nearest descriptor, connects the provider, and opens
// the project-local run history.
func newRuntime(ctx context.Context) (*runtime, error) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  logLevel,
		Format: logFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	project, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("no %s found in or above %s; run 'stackpilot init' first",
			config.DescriptorName, projectDir)
	}

	handlers, err := aws.NewHandlerSet(ctx, project.Region, project.Name)
	if err != nil {
		return nil, err
	}
	registry := engine.NewRegistry()
	if err := handlers.Register(registry); err != nil {
		return nil, err
	}

	store, err := openHistory(ctx)
	if err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: traceRuns}, "stackpilot", "dev")
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		project:  project,
		logger:   logger,
		registry: registry,
		handlers: handlers,
		store:    store,
		recorder: stores.NewActionRecorder(store, logger),
		tracer:   tracer,
	}, nil
}

// Close releases the history store and flushes tracing.
func (rt *runtime) Close(ctx context.Context) {
	if err := rt.tracer.Shutdown(ctx); err != nil {
		rt.logger.WithError(err).Warn("tracer shutdown failed")
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.WithError(err).Warn("history store close failed")
	}
}

// descriptorDir returns the directory holding the active descriptor, which is
// where the updated descriptor and run history are written back.
func descriptorDir() (string, error) {
	path, err := config.FindDescriptor(projectDir)
	if err != nil {
		return "", err
	}
	if path == "" {
		abs, err := filepath.Abs(projectDir)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	return filepath.Dir(path), nil
}

// openHistory opens (creating if needed) the project-local run history
// database next to the descriptor.
func openHistory(ctx context.Context) (stores.Store, error) {
	dir, err := descriptorDir()
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Join(dir, ".stackpilot")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(filepath.Join(stateDir, "history.db"))
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// exitErr distinguishes a run that completed with per-resource failures from
// a run the engine could not execute at all; both exit non-zero.
func exitErr(results []engine.ProvisionResult) error {
	if engine.Failed(results) {
		failed, skipped := 0, 0
		for _, r := range results {
			switch r.Outcome {
			case engine.OutcomeFailed:
				failed++
			case engine.OutcomeSkipped:
				skipped++
			}
		}
		return fmt.Errorf("run completed with %d failed and %d skipped resources", failed, skipped)
	}
	return nil
}
