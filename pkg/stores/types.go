// Package stores persists run history: one row per engine run, one event per
// resource action outcome. The history lives in a project-local SQLite
// database and exists purely for audit; the engine never reads it back to
// make decisions.
package stores

import (
	"context"
	"time"
)

// RunMode distinguishes what the run did.
type RunMode string

const (
	RunModeApply    RunMode = "apply"
	RunModeTeardown RunMode = "teardown"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run records one engine invocation.
type Run struct {
	ID          string
	Project     string
	Mode        RunMode
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// Event records one resource action outcome within a run.
type Event struct {
	ID         int64
	RunID      string
	Kind       string
	Name       string
	Outcome    string
	ProviderID string
	Error      string
	CreatedAt  time.Time
}

// Store is the run history contract.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg string) error
	AppendEvent(ctx context.Context, event *Event) error
	ListRuns(ctx context.Context, project string, limit int) ([]Run, error)
	ListEvents(ctx context.Context, runID string) ([]Event, error)
	Close() error
}
