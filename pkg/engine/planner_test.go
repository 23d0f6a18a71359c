package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func newTestPlanner(reg *Registry) *Planner {
	return NewPlanner(NewInventory(reg, telemetry.Nop()), telemetry.Nop())
}

func mustPlan(t *testing.T, reg *Registry, states []DesiredState) (*Plan, *Graph, *Planner) {
	t.Helper()
	graph, err := BuildGraph(states)
	if err != nil {
		t.Fatalf("BuildGraph returned error: %v", err)
	}
	planner := newTestPlanner(reg)
	plan, err := planner.Plan(context.Background(), RunContext{Project: "shop"}, states, graph)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	return plan, graph, planner
}

// TestPlanCreateWhenAbsent tests that a missing resource plans as a create.
func TestPlanCreateWhenAbsent(t *testing.T) {
	reg, _ := newTestRegistry(KindScalingGroup)
	states := []DesiredState{{
		Key:    key(KindScalingGroup, "shop-asg-production"),
		Fields: map[string]string{FieldMinSize: "1"},
	}}

	plan, _, _ := mustPlan(t, reg, states)
	if plan.Summary.ToCreate != 1 {
		t.Errorf("Expected 1 create, got summary %+v", plan.Summary)
	}
	if plan.Actions[0].Op != OpCreate {
		t.Errorf("Expected create op, got %s", plan.Actions[0].Op)
	}
}

// TestPlanKeepWhenMatching tests that a matching resource plans as keep.
func TestPlanKeepWhenMatching(t *testing.T) {
	reg, handlers := newTestRegistry(KindScalingGroup)
	handlers[KindScalingGroup].seed("shop-asg-production", map[string]string{
		FieldMinSize:         "1",
		FieldDesiredCapacity: "3",
	})

	states := []DesiredState{{
		Key: key(KindScalingGroup, "shop-asg-production"),
		Fields: map[string]string{
			FieldMinSize:         "1",
			FieldDesiredCapacity: "3",
		},
	}}

	plan, _, _ := mustPlan(t, reg, states)
	if plan.Actions[0].Op != OpKeep {
		t.Errorf("Expected keep op, got %s", plan.Actions[0].Op)
	}
}

// TestPlanUpdateOnMutableDrift tests that mutable drift plans as an in-place
// update carrying the diff.
func TestPlanUpdateOnMutableDrift(t *testing.T) {
	reg, handlers := newTestRegistry(KindScalingGroup)
	handlers[KindScalingGroup].seed("shop-asg-production", map[string]string{
		FieldMinSize:         "1",
		FieldDesiredCapacity: "2",
		FieldInstanceCount:   "2",
	})

	states := []DesiredState{{
		Key: key(KindScalingGroup, "shop-asg-production"),
		Fields: map[string]string{
			FieldMinSize:         "1",
			FieldDesiredCapacity: "4",
		},
	}}

	plan, _, _ := mustPlan(t, reg, states)
	action := plan.Actions[0]
	if action.Op != OpUpdate {
		t.Fatalf("Expected update op, got %s", action.Op)
	}
	if len(action.Diff) != 1 || action.Diff[0].Field != FieldDesiredCapacity {
		t.Errorf("Expected single desired-capacity change, got %v", action.Diff)
	}
}

// TestPlanIgnoresUnmanagedFields tests that provider-reported informational
// attributes the desired state does not manage are not drift.
func TestPlanIgnoresUnmanagedFields(t *testing.T) {
	reg, handlers := newTestRegistry(KindScalingGroup)
	handlers[KindScalingGroup].seed("shop-asg-production", map[string]string{
		FieldMinSize:       "1",
		FieldInstanceCount: "7",
	})

	states := []DesiredState{{
		Key:    key(KindScalingGroup, "shop-asg-production"),
		Fields: map[string]string{FieldMinSize: "1"},
	}}

	plan, _, _ := mustPlan(t, reg, states)
	if plan.Actions[0].Op != OpKeep {
		t.Errorf("Expected keep despite unmanaged instance count, got %s", plan.Actions[0].Op)
	}
}

// TestPlanEnvRemovalIsDrift tests that an environment binding present on the
// provider but absent from the descriptor counts as drift.
func TestPlanEnvRemovalIsDrift(t *testing.T) {
	reg, handlers := newTestRegistry(KindBuildProject)
	handlers[KindBuildProject].seed("shop-build-main", map[string]string{
		FieldBuildImage:        "img",
		EnvFieldPrefix + "OLD": "stale",
	})

	states := []DesiredState{{
		Key:    key(KindBuildProject, "shop-build-main"),
		Fields: map[string]string{FieldBuildImage: "img"},
	}}

	plan, _, _ := mustPlan(t, reg, states)
	action := plan.Actions[0]
	if action.Op != OpUpdate {
		t.Fatalf("Expected update for removed env key, got %s", action.Op)
	}
	if action.Diff[0].Field != EnvFieldPrefix+"OLD" {
		t.Errorf("Expected env.OLD in diff, got %v", action.Diff)
	}
}

// TestPlanConflictOnImmutableMismatch tests that an immutable-field mismatch
// is a conflict, never an update.
func TestPlanConflictOnImmutableMismatch(t *testing.T) {
	reg, handlers := newTestRegistry(KindDeploymentApplication)
	handlers[KindDeploymentApplication].seed("shop-app", map[string]string{
		FieldPlatform: string(PlatformLambda),
	})

	states := []DesiredState{{
		Key:    key(KindDeploymentApplication, "shop-app"),
		Fields: map[string]string{FieldPlatform: string(PlatformServer)},
	}}

	plan, _, _ := mustPlan(t, reg, states)
	action := plan.Actions[0]
	if action.Op != OpConflict {
		t.Fatalf("Expected conflict op, got %s", action.Op)
	}
	reqs := plan.Conflicts()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 conflict request, got %d", len(reqs))
	}
	if reqs[0].Kind != KindDeploymentApplication {
		t.Errorf("Expected conflict on the application, got %s", reqs[0].Kind)
	}
}

// TestPlanInventoryFailureIsConflict tests that an unreachable provider marks
// the resource conflicted instead of absent.
func TestPlanInventoryFailureIsConflict(t *testing.T) {
	reg, handlers := newTestRegistry(KindServiceRole)
	handlers[KindServiceRole].describeErr["shop-deploy-role"] = NewTransientError("throttled", errors.New("rate exceeded"))

	states := []DesiredState{{
		Key:    key(KindServiceRole, "shop-deploy-role"),
		Fields: map[string]string{},
	}}

	plan, _, _ := mustPlan(t, reg, states)
	if plan.Actions[0].Op != OpConflict {
		t.Fatalf("Expected conflict for unreachable inventory, got %s", plan.Actions[0].Op)
	}
	if plan.Actions[0].Observed != nil {
		t.Error("Expected no observed state on an inventory failure")
	}
}

// TestResolveKeepExistingPropagates tests that adopting the observed value
// rewrites dependents that carry the same field and replans them.
func TestResolveKeepExistingPropagates(t *testing.T) {
	reg, handlers := newTestRegistry(KindDeploymentApplication, KindDeploymentGroup)
	handlers[KindDeploymentApplication].seed("shop-app", map[string]string{
		FieldPlatform: string(PlatformLambda),
	})
	handlers[KindDeploymentGroup].seed("shop-dg-production", map[string]string{
		FieldPlatform: string(PlatformLambda),
	})

	appKey := key(KindDeploymentApplication, "shop-app")
	dgKey := key(KindDeploymentGroup, "shop-dg-production")
	states := []DesiredState{
		{Key: appKey, Fields: map[string]string{FieldPlatform: string(PlatformServer)}},
		{Key: dgKey, Fields: map[string]string{FieldPlatform: string(PlatformServer)}, DependsOn: []NodeKey{appKey}},
	}

	plan, graph, planner := mustPlan(t, reg, states)
	if plan.Summary.Conflicts != 2 {
		t.Fatalf("Expected 2 conflicts, got %+v", plan.Summary)
	}

	resolved, err := planner.Resolve(plan, graph, map[NodeKey]Resolution{
		appKey: ResolutionKeepExisting,
		dgKey:  ResolutionKeepExisting,
	}, ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	for _, a := range resolved.Actions {
		if a.Op != OpKeep {
			t.Errorf("Expected %s to become keep after adoption, got %s", a.Key, a.Op)
		}
		if got := a.Desired.Field(FieldPlatform); got != string(PlatformLambda) {
			t.Errorf("Expected %s desired platform rewritten to Lambda, got %s", a.Key, got)
		}
	}
	if resolved.Summary.Conflicts != 0 {
		t.Errorf("Expected no conflicts after resolution, got %+v", resolved.Summary)
	}
}

// TestResolveRecreateNeedsCascadeConfirmation tests that delete-and-recreate
// with live dependents is rejected without the explicit cascade opt-in.
func TestResolveRecreateNeedsCascadeConfirmation(t *testing.T) {
	reg, handlers := newTestRegistry(KindTargetGroup, KindScalingGroup)
	handlers[KindTargetGroup].seed("shop-tg-production", map[string]string{
		FieldVPC: "vpc-old",
	})
	handlers[KindScalingGroup].seed("shop-asg-production", map[string]string{})

	tgKey := key(KindTargetGroup, "shop-tg-production")
	asgKey := key(KindScalingGroup, "shop-asg-production")
	states := []DesiredState{
		{Key: tgKey, Fields: map[string]string{FieldVPC: "vpc-new"}},
		{Key: asgKey, Fields: map[string]string{}, DependsOn: []NodeKey{tgKey}},
	}

	plan, graph, planner := mustPlan(t, reg, states)

	_, err := planner.Resolve(plan, graph, map[NodeKey]Resolution{
		tgKey: ResolutionDeleteAndRecreate,
	}, ResolveOptions{})
	if err == nil {
		t.Fatal("Expected cascade rejection, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("Expected conflict classification, got %v", err)
	}

	resolved, err := planner.Resolve(plan, graph, map[NodeKey]Resolution{
		tgKey: ResolutionDeleteAndRecreate,
	}, ResolveOptions{ConfirmCascade: true})
	if err != nil {
		t.Fatalf("Resolve with cascade confirmation returned error: %v", err)
	}
	if resolved.Action(tgKey).Op != OpReplace {
		t.Errorf("Expected replace op after confirmation, got %s", resolved.Action(tgKey).Op)
	}
}

// TestResolveRejectsUnresolvableConflict tests that an inventory-unavailable
// conflict cannot be resolved.
func TestResolveRejectsUnresolvableConflict(t *testing.T) {
	reg, handlers := newTestRegistry(KindServiceRole)
	handlers[KindServiceRole].describeErr["shop-deploy-role"] = NewTransientError("down", nil)

	roleKey := key(KindServiceRole, "shop-deploy-role")
	states := []DesiredState{{Key: roleKey, Fields: map[string]string{}}}

	plan, graph, planner := mustPlan(t, reg, states)
	_, err := planner.Resolve(plan, graph, map[NodeKey]Resolution{
		roleKey: ResolutionKeepExisting,
	}, ResolveOptions{})
	if err == nil {
		t.Fatal("Expected resolution rejection for unavailable inventory, got nil")
	}
}
