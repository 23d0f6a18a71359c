package stores

import (
	"context"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// ActionRecorder adapts the run history store to the engine's Recorder.
// Recording is best-effort: history must never fail a provisioning run.
type ActionRecorder struct {
	store Store
	log   *telemetry.Logger
}

// NewActionRecorder creates a recorder writing into store.
func NewActionRecorder(store Store, log *telemetry.Logger) *ActionRecorder {
	return &ActionRecorder{store: store, log: log.NewComponentLogger("history")}
}

// RecordAction appends one resource outcome to the run's event log.
func (r *ActionRecorder) RecordAction(ctx context.Context, runID string, result engine.ProvisionResult) {
	event := &Event{
		RunID:      runID,
		Kind:       string(result.Key.Kind),
		Name:       result.Key.Name,
		Outcome:    string(result.Outcome),
		ProviderID: result.ProviderID,
	}
	if result.Err != nil {
		event.Error = result.Err.Error()
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.log.WithError(err).Warn("failed to record action outcome")
	}
}

var _ engine.Recorder = (*ActionRecorder)(nil)
