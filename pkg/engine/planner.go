package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Planner turns desired states and an inventory snapshot into per-resource
// actions. It mutates nothing in the provider; the same desired and observed
// inputs always produce the same actions.
type Planner struct {
	inventory *Inventory
	log       *telemetry.Logger
}

// NewPlanner creates a planner over the given inventory.
func NewPlanner(inventory *Inventory, log *telemetry.Logger) *Planner {
	return &Planner{
		inventory: inventory,
		log:       log.NewComponentLogger("planner"),
	}
}

// Plan computes the action for every desired state, walking the dependency
// graph in topological order. The observed snapshot is taken immediately
// before planning and is not cached beyond the returned plan; Apply re-checks
// existence at creation time.
func (p *Planner) Plan(ctx context.Context, run RunContext, states []DesiredState, graph *Graph) (*Plan, error) {
	byKey := make(map[NodeKey]DesiredState, len(states))
	keys := make([]NodeKey, 0, len(states))
	for _, s := range states {
		byKey[s.Key] = s
		keys = append(keys, s.Key)
	}

	snapshot := p.inventory.Snapshot(ctx, keys)

	plan := &Plan{
		ID:        uuid.New().String(),
		Project:   run.Project,
		CreatedAt: time.Now(),
		Actions:   make([]Action, 0, len(states)),
	}

	for _, key := range graph.TopoOrder() {
		desired, ok := byKey[key]
		if !ok {
			continue
		}
		lookup := snapshot[key]
		plan.Actions = append(plan.Actions, p.decide(desired, lookup))
	}

	plan.recount()
	return plan, nil
}

// decide produces the action for one resource from its desired and observed
// state.
func (p *Planner) decide(desired DesiredState, lookup Lookup) Action {
	action := Action{Key: desired.Key, Desired: desired}

	if lookup.Err != nil {
		// The provider could not answer; planning for this resource (and,
		// at apply time, its subtree) stops here.
		action.Op = OpConflict
		action.Reason = "inventory unavailable: " + lookup.Err.Error()
		return action
	}

	observed := lookup.State
	action.Observed = observed

	if observed == nil {
		action.Op = OpCreate
		return action
	}

	if mismatched := immutableMismatches(desired, observed); len(mismatched) > 0 {
		action.Op = OpConflict
		action.Reason = fmt.Sprintf("immutable field %s cannot change in place",
			strings.Join(mismatched, ", "))
		return action
	}

	diff := mutableDiff(desired, observed)
	if len(diff) == 0 {
		action.Op = OpKeep
		return action
	}

	action.Op = OpUpdate
	action.Diff = diff
	return action
}

// immutableMismatches returns the immutable fields whose observed value
// differs from the desired one.
func immutableMismatches(desired DesiredState, observed *ObservedState) []string {
	var out []string
	for _, field := range ImmutableFields(desired.Key.Kind) {
		want := desired.Field(field)
		if want == "" {
			continue
		}
		if got := observed.Field(field); got != "" && got != want {
			out = append(out, field)
		}
	}
	return out
}

// mutableDiff compares the mutable attributes. Plain fields are compared only
// when the desired state manages them; environment bindings are compared over
// the union of both sides so removed keys count as drift.
func mutableDiff(desired DesiredState, observed *ObservedState) []Change {
	immutable := make(map[string]struct{})
	for _, f := range ImmutableFields(desired.Key.Kind) {
		immutable[f] = struct{}{}
	}

	fields := make(map[string]struct{})
	for f := range desired.Fields {
		fields[f] = struct{}{}
	}
	for f := range observed.Fields {
		if strings.HasPrefix(f, EnvFieldPrefix) {
			fields[f] = struct{}{}
		}
	}

	var diff []Change
	for field := range fields {
		if _, skip := immutable[field]; skip {
			continue
		}
		want := desired.Field(field)
		got := observed.Field(field)
		if !strings.HasPrefix(field, EnvFieldPrefix) && want == "" {
			// Unmanaged informational attribute (instance counts and the
			// like); not drift.
			continue
		}
		if want != got {
			diff = append(diff, Change{Field: field, Observed: got, Desired: want})
		}
	}

	sort.Slice(diff, func(i, j int) bool { return diff[i].Field < diff[j].Field })
	return diff
}

// ResolveOptions carries the caller acknowledgements Resolve may require.
type ResolveOptions struct {
	// ConfirmCascade acknowledges that replacing a resource orphans its
	// live dependents until they are reconciled again. Required whenever a
	// DeleteAndRecreate resolution targets a resource with existing
	// dependents.
	ConfirmCascade bool
}

// Resolve applies caller-supplied resolutions to the plan's conflicts and
// returns a new plan. KeepExisting rewrites the desired state to the observed
// values and replans every dependent against them; DeleteAndRecreate turns
// the action into a Replace. Conflicts without a resolution stay conflicts,
// and Apply will reject the plan.
func (p *Planner) Resolve(plan *Plan, graph *Graph, resolutions map[NodeKey]Resolution, opts ResolveOptions) (*Plan, error) {
	out := &Plan{
		ID:        plan.ID,
		Project:   plan.Project,
		CreatedAt: plan.CreatedAt,
		Actions:   append([]Action(nil), plan.Actions...),
	}

	index := make(map[NodeKey]int, len(out.Actions))
	for i, a := range out.Actions {
		index[a.Key] = i
	}

	for key, res := range resolutions {
		i, ok := index[key]
		if !ok {
			return nil, NewConflictError(fmt.Sprintf("resolution for unplanned resource %s", key), nil)
		}
		action := out.Actions[i]
		if action.Op != OpConflict {
			return nil, NewConflictError(fmt.Sprintf("resolution for non-conflict resource %s", key), nil)
		}
		if action.Observed == nil {
			// Inventory-unavailable conflicts have no safe resolution.
			return nil, NewConflictError(
				fmt.Sprintf("conflict on %s is not resolvable: %s", key, action.Reason), nil)
		}

		switch res {
		case ResolutionKeepExisting:
			p.keepExisting(out, index, graph, i)
		case ResolutionDeleteAndRecreate:
			if err := p.checkCascade(out, index, graph, key, opts); err != nil {
				return nil, err
			}
			action.Op = OpReplace
			action.Reason = ""
			out.Actions[i] = action
		default:
			return nil, NewConflictError(fmt.Sprintf("unknown resolution %q for %s", res, key), nil)
		}
	}

	out.recount()
	return out, nil
}

// keepExisting rewrites the conflicting immutable fields of one action to the
// observed values and propagates the rewrite through every dependent that
// carries the same field, replanning each against its own observed state.
func (p *Planner) keepExisting(plan *Plan, index map[NodeKey]int, graph *Graph, i int) {
	action := plan.Actions[i]
	desired := action.Desired.Clone()

	rewritten := make(map[string]string)
	for _, field := range ImmutableFields(action.Key.Kind) {
		got := action.Observed.Field(field)
		if got != "" && got != desired.Field(field) {
			rewritten[field] = got
			desired.Fields[field] = got
		}
	}

	plan.Actions[i] = p.decide(desired, Lookup{State: action.Observed})

	for _, dep := range graph.Dependents(action.Key) {
		j, ok := index[dep]
		if !ok {
			continue
		}
		depAction := plan.Actions[j]
		depDesired := depAction.Desired.Clone()
		changed := false
		for field, value := range rewritten {
			if _, manages := depDesired.Fields[field]; manages {
				depDesired.Fields[field] = value
				changed = true
			}
		}
		if !changed {
			continue
		}
		if depAction.Op == OpConflict && depAction.Observed == nil {
			// Leave inventory-unavailable conflicts alone.
			continue
		}
		plan.Actions[j] = p.decide(depDesired, Lookup{State: depAction.Observed})
	}
}

// checkCascade rejects a DeleteAndRecreate that would orphan live dependents
// unless the caller explicitly confirmed the cascade.
func (p *Planner) checkCascade(plan *Plan, index map[NodeKey]int, graph *Graph, key NodeKey, opts ResolveOptions) error {
	var live []string
	for _, dep := range graph.Dependents(key) {
		if i, ok := index[dep]; ok && plan.Actions[i].Observed != nil {
			live = append(live, dep.String())
		}
	}
	if len(live) == 0 || opts.ConfirmCascade {
		return nil
	}
	return NewConflictError(fmt.Sprintf(
		"recreating %s orphans existing dependents (%s); cascade must be confirmed explicitly",
		key, strings.Join(live, ", ")), nil)
}
