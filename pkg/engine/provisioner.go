package engine

import (
	"context"
	"fmt"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Recorder receives per-resource outcomes as they happen, for run history.
type Recorder interface {
	RecordAction(ctx context.Context, runID string, result ProvisionResult)
}

// noopRecorder is used when the caller supplies no recorder.
type noopRecorder struct{}

func (noopRecorder) RecordAction(context.Context, string, ProvisionResult) {}

// Provisioner executes a resolved plan against the provider. It is the only
// component with write access during a run. Execution is strictly sequential
// in dependency order: a failure skips every dependent but independent
// branches already planned continue.
type Provisioner struct {
	registry *Registry
	recorder Recorder
	log      *telemetry.Logger
	wait     WaitConfig
}

// NewProvisioner creates a provisioner over the registered handlers.
func NewProvisioner(registry *Registry, recorder Recorder, log *telemetry.Logger) *Provisioner {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Provisioner{
		registry: registry,
		recorder: recorder,
		log:      log.NewComponentLogger("provisioner"),
		wait:     DefaultWait,
	}
}

// WithWait overrides the settle-wait bounds (tests use short intervals).
func (pv *Provisioner) WithWait(cfg WaitConfig) *Provisioner {
	pv.wait = cfg
	return pv
}

// Apply executes every action in plan order. A plan carrying any unresolved
// conflict is rejected outright rather than partially applied. Cancellation
// stops before the next resource and leaves everything already created
// intact; every create is idempotent on re-run.
func (pv *Provisioner) Apply(ctx context.Context, runID string, plan *Plan, graph *Graph) ([]ProvisionResult, error) {
	if reqs := plan.Conflicts(); len(reqs) > 0 {
		return nil, NewConflictError(
			fmt.Sprintf("plan has %d unresolved conflicts; supply resolutions before apply", len(reqs)), nil)
	}

	results := make([]ProvisionResult, 0, len(plan.Actions))
	blocked := make(map[NodeKey]bool)

	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := pv.applyOne(ctx, action, graph, blocked)
		if result.Outcome == OutcomeFailed || result.Outcome == OutcomeSkipped {
			blocked[action.Key] = true
		}

		pv.logOutcome(action, result)
		pv.recorder.RecordAction(ctx, runID, result)
		results = append(results, result)
	}

	return results, nil
}

func (pv *Provisioner) applyOne(ctx context.Context, action Action, graph *Graph, blocked map[NodeKey]bool) ProvisionResult {
	result := ProvisionResult{Key: action.Key}

	for _, dep := range graph.Dependencies(action.Key) {
		if blocked[dep] {
			result.Outcome = OutcomeSkipped
			result.Err = NewConflictError(fmt.Sprintf("dependency %s did not complete", dep), nil)
			return result
		}
	}

	handler, err := pv.registry.Get(action.Key.Kind)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}

	switch action.Op {
	case OpKeep:
		result.Outcome = OutcomeKept
		result.ProviderID = action.Observed.ProviderID
	case OpCreate:
		result = pv.createOrAdopt(ctx, handler, action)
	case OpUpdate:
		if err := handler.Update(ctx, action.Desired, *action.Observed); err != nil {
			result.Outcome = OutcomeFailed
			result.Err = err
		} else {
			result.Outcome = OutcomeUpdated
			result.ProviderID = action.Observed.ProviderID
		}
	case OpReplace:
		result = pv.replace(ctx, handler, action)
	default:
		result.Outcome = OutcomeFailed
		result.Err = NewConflictError(fmt.Sprintf("cannot apply op %q", action.Op), nil)
	}

	return result
}

// createOrAdopt re-checks existence immediately before creating: the plan may
// be stale relative to a concurrent run, and "already exists" is adoption,
// not failure.
func (pv *Provisioner) createOrAdopt(ctx context.Context, handler Handler, action Action) ProvisionResult {
	result := ProvisionResult{Key: action.Key}

	existing, err := handler.Describe(ctx, action.Key.Name)
	if err != nil && !IsNotFound(err) {
		result.Outcome = OutcomeFailed
		result.Err = NewTransientError("existence re-check failed", err).
			WithResource(action.Key.Kind, action.Key.Name)
		return result
	}
	if existing != nil {
		result.Outcome = OutcomeAdopted
		result.ProviderID = existing.ProviderID
		return result
	}

	providerID, err := handler.Create(ctx, action.Desired)
	if err == nil {
		result.Outcome = OutcomeCreated
		result.ProviderID = providerID
		return result
	}
	if IsAlreadyExists(err) {
		adopted, describeErr := handler.Describe(ctx, action.Key.Name)
		if describeErr == nil && adopted != nil {
			result.Outcome = OutcomeAdopted
			result.ProviderID = adopted.ProviderID
			return result
		}
	}

	result.Outcome = OutcomeFailed
	result.Err = err
	return result
}

// replace deletes the existing resource, polls until the provider reports it
// gone, then creates the desired one. Never delete-and-create concurrently.
func (pv *Provisioner) replace(ctx context.Context, handler Handler, action Action) ProvisionResult {
	result := ProvisionResult{Key: action.Key}

	if err := handler.Delete(ctx, action.Key.Name); err != nil && !IsNotFound(err) {
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}

	err := waitUntil(ctx, pv.wait, fmt.Sprintf("%s to be deleted", action.Key), func(ctx context.Context) (bool, error) {
		state, err := handler.Describe(ctx, action.Key.Name)
		if err != nil {
			if IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		return state == nil, nil
	})
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}

	providerID, err := handler.Create(ctx, action.Desired)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}
	result.Outcome = OutcomeCreated
	result.ProviderID = providerID
	return result
}

// logOutcome prints the outcome before the engine proceeds to the next
// resource, so a failure's blast radius is legible from the run log alone.
func (pv *Provisioner) logOutcome(action Action, result ProvisionResult) {
	log := pv.log.
		WithField("kind", string(action.Key.Kind)).
		WithField("name", action.Key.Name).
		WithField("outcome", string(result.Outcome))
	switch result.Outcome {
	case OutcomeFailed:
		log.WithError(result.Err).Error("resource action failed")
	case OutcomeSkipped:
		log.Warn("resource skipped: dependency did not complete")
	default:
		log.Info("resource action applied")
	}
}
