package engine

import (
	"context"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Inventory reads the current state of managed resources from the provider.
// It is side-effect-free and safe to call repeatedly; it performs no retries
// beyond the provider SDK's own backoff.
type Inventory struct {
	registry *Registry
	log      *telemetry.Logger
}

// NewInventory creates an inventory over the registered handlers.
func NewInventory(registry *Registry, log *telemetry.Logger) *Inventory {
	return &Inventory{
		registry: registry,
		log:      log.NewComponentLogger("inventory"),
	}
}

// Lookup is the result of fetching one resource: either an observed state
// (nil when absent) or a transient provider failure.
type Lookup struct {
	State *ObservedState
	Err   error
}

// Fetch returns the observed state for a key, (nil, nil) when the resource
// does not exist. Provider failures (auth, throttle, network) come back as
// transient errors; they never mean "absent".
func (inv *Inventory) Fetch(ctx context.Context, key NodeKey) (*ObservedState, error) {
	h, err := inv.registry.Get(key.Kind)
	if err != nil {
		return nil, err
	}

	state, err := h.Describe(ctx, key.Name)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		inv.log.WithError(err).Warnf("inventory fetch failed for %s", key)
		return nil, NewTransientError("inventory unavailable", err).
			WithResource(key.Kind, key.Name).WithOperation("describe")
	}
	return state, nil
}

// Snapshot fetches every key. A transient failure on one resource is recorded
// in its Lookup and does not abort the rest of the snapshot.
func (inv *Inventory) Snapshot(ctx context.Context, keys []NodeKey) map[NodeKey]Lookup {
	out := make(map[NodeKey]Lookup, len(keys))
	for _, key := range keys {
		state, err := inv.Fetch(ctx, key)
		out[key] = Lookup{State: state, Err: err}
	}
	return out
}

// ScanPrefix enumerates every managed resource whose name carries the project
// prefix, in provisioning kind order. Used by teardown so manually created or
// partially provisioned resources are still found.
func (inv *Inventory) ScanPrefix(ctx context.Context, prefix string) ([]ObservedState, error) {
	var found []ObservedState
	for _, kind := range KindOrder {
		h, err := inv.registry.Get(kind)
		if err != nil {
			// A kind without a handler has nothing to scan.
			continue
		}
		states, err := h.List(ctx, prefix)
		if err != nil {
			return nil, NewTransientError("prefix scan failed", err).
				WithResource(kind, prefix).WithOperation("list")
		}
		found = append(found, states...)
	}
	return found, nil
}
