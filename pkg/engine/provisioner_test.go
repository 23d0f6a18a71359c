package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

var testWait = WaitConfig{Interval: time.Millisecond, Timeout: 50 * time.Millisecond}

func applyPlan(t *testing.T, reg *Registry, states []DesiredState) ([]ProvisionResult, error) {
	t.Helper()
	plan, graph, _ := mustPlan(t, reg, states)
	pv := NewProvisioner(reg, nil, telemetry.Nop()).WithWait(testWait)
	return pv.Apply(context.Background(), "run-1", plan, graph)
}

// TestApplyCreatesMissing tests the first-run path: everything absent,
// everything created in dependency order.
func TestApplyCreatesMissing(t *testing.T) {
	reg, handlers := newTestRegistry(KindServiceRole, KindInstanceProfile)
	roleKey := key(KindServiceRole, "shop-instance-role")
	profileKey := key(KindInstanceProfile, "shop-instance-profile")

	results, err := applyPlan(t, reg, []DesiredState{
		{Key: roleKey, Fields: map[string]string{}},
		{Key: profileKey, Fields: map[string]string{FieldRole: roleKey.Name}, DependsOn: []NodeKey{roleKey}},
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	for _, r := range results {
		if r.Outcome != OutcomeCreated {
			t.Errorf("Expected %s created, got %s", r.Key, r.Outcome)
		}
		if r.ProviderID == "" {
			t.Errorf("Expected provider id for %s", r.Key)
		}
	}
	if len(handlers[KindServiceRole].created) != 1 {
		t.Errorf("Expected one role create, got %v", handlers[KindServiceRole].created)
	}
}

// TestApplyIsIdempotent tests that a second run over an unchanged topology
// mutates nothing.
func TestApplyIsIdempotent(t *testing.T) {
	reg, handlers := newTestRegistry(KindArtifactBucket)
	states := []DesiredState{{Key: key(KindArtifactBucket, "shop-artifacts"), Fields: map[string]string{}}}

	if _, err := applyPlan(t, reg, states); err != nil {
		t.Fatalf("First apply returned error: %v", err)
	}
	results, err := applyPlan(t, reg, states)
	if err != nil {
		t.Fatalf("Second apply returned error: %v", err)
	}

	if results[0].Outcome != OutcomeKept {
		t.Errorf("Expected kept on second run, got %s", results[0].Outcome)
	}
	if len(handlers[KindArtifactBucket].created) != 1 {
		t.Errorf("Expected exactly one create across both runs, got %d", len(handlers[KindArtifactBucket].created))
	}
}

// TestApplyAdoptsConcurrentCreate tests that a create racing an identically
// named resource adopts it instead of failing.
func TestApplyAdoptsConcurrentCreate(t *testing.T) {
	reg, handlers := newTestRegistry(KindServiceRole)
	h := handlers[KindServiceRole]

	states := []DesiredState{{Key: key(KindServiceRole, "shop-deploy-role"), Fields: map[string]string{}}}
	plan, graph, _ := mustPlan(t, reg, states)

	// The resource appears between planning and apply; Create would duplicate.
	h.seed("shop-deploy-role", map[string]string{})

	pv := NewProvisioner(reg, nil, telemetry.Nop()).WithWait(testWait)
	results, err := pv.Apply(context.Background(), "run-1", plan, graph)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if results[0].Outcome != OutcomeAdopted {
		t.Errorf("Expected adopted, got %s", results[0].Outcome)
	}
	if len(h.created) != 0 {
		t.Errorf("Expected no create call, got %v", h.created)
	}
}

// TestApplyAdoptsOnAlreadyExists tests adoption when the provider signals the
// duplicate at create time rather than at the existence re-check.
func TestApplyAdoptsOnAlreadyExists(t *testing.T) {
	reg, handlers := newTestRegistry(KindServiceRole)
	h := handlers[KindServiceRole]
	name := "shop-deploy-role"

	states := []DesiredState{{Key: key(KindServiceRole, name), Fields: map[string]string{}}}
	plan, graph, _ := mustPlan(t, reg, states)

	// The resource exists but the re-check misses it once, so Create runs,
	// hits the duplicate, and the adoption Describe finds it.
	h.seed(name, map[string]string{})
	h.absentOnce[name] = true
	h.createErr[name] = NewAlreadyExistsError("duplicate role", nil)

	pv := NewProvisioner(reg, nil, telemetry.Nop()).WithWait(testWait)
	results, err := pv.Apply(context.Background(), "run-1", plan, graph)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if results[0].Outcome != OutcomeAdopted {
		t.Errorf("Expected adopted on already-exists, got %s", results[0].Outcome)
	}
}

// TestApplySkipsDependentsOnFailure tests fail-fast skipping: a failure marks
// the whole dependent subtree skipped while independent siblings continue.
func TestApplySkipsDependentsOnFailure(t *testing.T) {
	reg, handlers := newTestRegistry(KindServiceRole, KindInstanceProfile, KindArtifactBucket)
	roleKey := key(KindServiceRole, "shop-instance-role")
	profileKey := key(KindInstanceProfile, "shop-instance-profile")
	bucketKey := key(KindArtifactBucket, "shop-artifacts")

	handlers[KindServiceRole].createErr[roleKey.Name] = NewTransientError("access denied", errors.New("403"))

	results, err := applyPlan(t, reg, []DesiredState{
		{Key: roleKey, Fields: map[string]string{}},
		{Key: profileKey, Fields: map[string]string{}, DependsOn: []NodeKey{roleKey}},
		{Key: bucketKey, Fields: map[string]string{}},
	})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	outcomes := make(map[NodeKey]Outcome, len(results))
	for _, r := range results {
		outcomes[r.Key] = r.Outcome
	}
	if outcomes[roleKey] != OutcomeFailed {
		t.Errorf("Expected role failed, got %s", outcomes[roleKey])
	}
	if outcomes[profileKey] != OutcomeSkipped {
		t.Errorf("Expected profile skipped, got %s", outcomes[profileKey])
	}
	if outcomes[bucketKey] != OutcomeCreated {
		t.Errorf("Expected independent bucket created, got %s", outcomes[bucketKey])
	}
	if !Failed(results) {
		t.Error("Expected run marked failed")
	}
}

// TestApplyRejectsUnresolvedConflicts tests that a plan with conflicts is
// rejected before any mutation.
func TestApplyRejectsUnresolvedConflicts(t *testing.T) {
	reg, handlers := newTestRegistry(KindDeploymentApplication)
	handlers[KindDeploymentApplication].seed("shop-app", map[string]string{
		FieldPlatform: string(PlatformLambda),
	})

	states := []DesiredState{{
		Key:    key(KindDeploymentApplication, "shop-app"),
		Fields: map[string]string{FieldPlatform: string(PlatformServer)},
	}}
	plan, graph, _ := mustPlan(t, reg, states)

	pv := NewProvisioner(reg, nil, telemetry.Nop()).WithWait(testWait)
	_, err := pv.Apply(context.Background(), "run-1", plan, graph)
	if err == nil {
		t.Fatal("Expected conflict rejection, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("Expected conflict classification, got %v", err)
	}
	if len(handlers[KindDeploymentApplication].updated) != 0 {
		t.Error("Expected no mutation on a rejected plan")
	}
}

// TestApplyReplaceDeletesThenCreates tests the resolved delete-and-recreate
// path: delete, await absence, create.
func TestApplyReplaceDeletesThenCreates(t *testing.T) {
	reg, handlers := newTestRegistry(KindTargetGroup)
	h := handlers[KindTargetGroup]
	h.seed("shop-tg-production", map[string]string{FieldVPC: "vpc-old"})

	tgKey := key(KindTargetGroup, "shop-tg-production")
	states := []DesiredState{{Key: tgKey, Fields: map[string]string{FieldVPC: "vpc-new"}}}

	plan, graph, planner := mustPlan(t, reg, states)
	resolved, err := planner.Resolve(plan, graph, map[NodeKey]Resolution{
		tgKey: ResolutionDeleteAndRecreate,
	}, ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	pv := NewProvisioner(reg, nil, telemetry.Nop()).WithWait(testWait)
	results, err := pv.Apply(context.Background(), "run-1", resolved, graph)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if results[0].Outcome != OutcomeCreated {
		t.Errorf("Expected created after replace, got %s", results[0].Outcome)
	}
	if len(h.deleted) != 1 || len(h.created) != 1 {
		t.Errorf("Expected one delete and one create, got deletes=%v creates=%v", h.deleted, h.created)
	}
	if got := h.resources["shop-tg-production"].Fields[FieldVPC]; got != "vpc-new" {
		t.Errorf("Expected recreated resource in vpc-new, got %q", got)
	}
}

// TestApplyStopsOnCancel tests that cancellation stops before the next
// resource and reports what completed.
func TestApplyStopsOnCancel(t *testing.T) {
	reg, _ := newTestRegistry(KindServiceRole)
	states := []DesiredState{{Key: key(KindServiceRole, "shop-deploy-role"), Fields: map[string]string{}}}
	plan, graph, _ := mustPlan(t, reg, states)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pv := NewProvisioner(reg, nil, telemetry.Nop()).WithWait(testWait)
	results, err := pv.Apply(ctx, "run-1", plan, graph)
	if err == nil {
		t.Fatal("Expected context error, got nil")
	}
	if len(results) != 0 {
		t.Errorf("Expected no results after immediate cancel, got %d", len(results))
	}
}
