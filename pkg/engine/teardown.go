package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// TeardownPhase tracks the teardown lifecycle:
// Scanned -> Confirmed -> Deleting -> Done | Aborted.
type TeardownPhase string

const (
	PhaseScanned   TeardownPhase = "scanned"
	PhaseConfirmed TeardownPhase = "confirmed"
	PhaseDeleting  TeardownPhase = "deleting"
	PhaseDone      TeardownPhase = "done"
	PhaseAborted   TeardownPhase = "aborted"
)

// TeardownItem is one resource slated for deletion.
type TeardownItem struct {
	Key        NodeKey `json:"key"`
	ProviderID string  `json:"provider_id,omitempty"`
}

// TeardownPlan is the deletion manifest produced by scanning. Deletion order
// is the exact reverse of the provisioning order.
type TeardownPlan struct {
	Project string        `json:"project"`
	Prefix  string        `json:"prefix"`
	Items   []TeardownItem `json:"items"`
	Phase   TeardownPhase `json:"phase"`
}

// Confirm moves the plan past the caller confirmation boundary.
func (tp *TeardownPlan) Confirm() error {
	if tp.Phase != PhaseScanned {
		return NewConflictError(fmt.Sprintf("teardown plan is %s, not scanned", tp.Phase), nil)
	}
	tp.Phase = PhaseConfirmed
	return nil
}

// TeardownOptions carries the separate opt-in confirmations teardown needs
// beyond the main manifest: the artifact bucket often holds releases worth
// retaining and is only deleted when explicitly requested.
type TeardownOptions struct {
	DeleteBucket bool
}

// Teardown scans for and deletes every resource carrying the project prefix.
type Teardown struct {
	registry  *Registry
	inventory *Inventory
	recorder  Recorder
	log       *telemetry.Logger
	wait      WaitConfig
}

// NewTeardown creates a teardown executor.
func NewTeardown(registry *Registry, inventory *Inventory, recorder Recorder, log *telemetry.Logger) *Teardown {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Teardown{
		registry:  registry,
		inventory: inventory,
		recorder:  recorder,
		log:       log.NewComponentLogger("teardown"),
		wait:      DefaultWait,
	}
}

// WithWait overrides the settle-wait bounds (tests use short intervals).
func (t *Teardown) WithWait(cfg WaitConfig) *Teardown {
	t.wait = cfg
	return t
}

// Scan enumerates everything matching the project's deterministic prefix,
// independent of the persisted descriptor, so manually created or partially
// provisioned resources are found too. Items come back in deletion order.
func (t *Teardown) Scan(ctx context.Context, run RunContext) (*TeardownPlan, error) {
	prefix := NamePrefix(run.Project)
	found, err := t.inventory.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	items := make([]TeardownItem, 0, len(found))
	for _, state := range found {
		items = append(items, TeardownItem{Key: state.Key, ProviderID: state.ProviderID})
	}
	sort.Slice(items, func(i, j int) bool {
		ri, rj := kindRank[items[i].Key.Kind], kindRank[items[j].Key.Kind]
		if ri != rj {
			return ri > rj
		}
		return items[i].Key.Name < items[j].Key.Name
	})

	return &TeardownPlan{
		Project: run.Project,
		Prefix:  prefix,
		Items:   items,
		Phase:   PhaseScanned,
	}, nil
}

// Execute deletes every item in manifest order. The scaling group is drained
// (capacity zeroed, instances awaited) before deletion, and the load balancer
// deletion is awaited before its target groups are removed; both waits are
// bounded and a timeout is fatal to the phase. Every step tolerates
// already-absent resources.
func (t *Teardown) Execute(ctx context.Context, runID string, plan *TeardownPlan, opts TeardownOptions) ([]ProvisionResult, error) {
	if plan.Phase != PhaseConfirmed {
		return nil, NewConflictError(fmt.Sprintf("teardown plan is %s, not confirmed", plan.Phase), nil)
	}
	plan.Phase = PhaseDeleting

	results := make([]ProvisionResult, 0, len(plan.Items))
	for _, item := range plan.Items {
		if err := ctx.Err(); err != nil {
			plan.Phase = PhaseAborted
			return results, err
		}

		if item.Key.Kind == KindArtifactBucket && !opts.DeleteBucket {
			result := ProvisionResult{Key: item.Key, Outcome: OutcomeKept}
			t.log.WithField("name", item.Key.Name).Info("artifact bucket retained; pass the bucket opt-in to delete it")
			t.recorder.RecordAction(ctx, runID, result)
			results = append(results, result)
			continue
		}

		result := t.deleteOne(ctx, item)
		t.recorder.RecordAction(ctx, runID, result)
		results = append(results, result)

		if result.Err != nil && IsTimeout(result.Err) {
			plan.Phase = PhaseAborted
			return results, result.Err
		}
	}

	plan.Phase = PhaseDone
	return results, nil
}

func (t *Teardown) deleteOne(ctx context.Context, item TeardownItem) ProvisionResult {
	result := ProvisionResult{Key: item.Key}
	log := t.log.WithField("kind", string(item.Key.Kind)).WithField("name", item.Key.Name)

	handler, err := t.registry.Get(item.Key.Kind)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}

	if item.Key.Kind == KindScalingGroup {
		if err := t.drain(ctx, handler, item.Key); err != nil {
			result.Outcome = OutcomeFailed
			result.Err = err
			log.WithError(err).Error("scaling group drain failed")
			return result
		}
	}

	if err := handler.Delete(ctx, item.Key.Name); err != nil && !IsNotFound(err) {
		result.Outcome = OutcomeFailed
		result.Err = err
		log.WithError(err).Error("delete failed")
		return result
	}

	if needsDeletionSettle(item.Key.Kind) {
		if err := t.awaitGone(ctx, handler, item.Key); err != nil {
			result.Outcome = OutcomeFailed
			result.Err = err
			log.WithError(err).Error("deletion settle-wait failed")
			return result
		}
	}

	result.Outcome = OutcomeDeleted
	log.Info("resource deleted")
	return result
}

// drain zeroes the scaling group capacity and waits for its instances to
// terminate before the group (and later its load balancer) can go away.
func (t *Teardown) drain(ctx context.Context, handler Handler, key NodeKey) error {
	drainer, ok := handler.(Drainer)
	if !ok {
		return nil
	}
	if err := drainer.Drain(ctx, key.Name); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	return waitUntil(ctx, t.wait, fmt.Sprintf("%s to drain", key), func(ctx context.Context) (bool, error) {
		state, err := handler.Describe(ctx, key.Name)
		if err != nil {
			if IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		if state == nil {
			return true, nil
		}
		count, _ := strconv.Atoi(state.Field(FieldInstanceCount))
		return count == 0, nil
	})
}

// needsDeletionSettle lists the kinds whose deletion completes asynchronously
// relative to the API call returning.
func needsDeletionSettle(kind ResourceKind) bool {
	return kind == KindScalingGroup || kind == KindLoadBalancer
}

func (t *Teardown) awaitGone(ctx context.Context, handler Handler, key NodeKey) error {
	return waitUntil(ctx, t.wait, fmt.Sprintf("%s to be deleted", key), func(ctx context.Context) (bool, error) {
		state, err := handler.Describe(ctx, key.Name)
		if err != nil {
			if IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		return state == nil, nil
	})
}
