package engine

import (
	"strings"
	"testing"
)

func testIntent() Intent {
	return Intent{
		Platform:     PlatformServer,
		InstanceType: "t3.small",
		ImageID:      "ami-123",
		BuildImage:   "build:latest",
		Capacity:     Capacity{Min: 1, Desired: 3, Max: 5},
		Network: Network{
			VPCID:      "vpc-1",
			SubnetIDs:  []string{"subnet-b", "subnet-a"},
			TargetType: "instance",
		},
		EnvDefaults: map[string]string{"API_URL": "https://api", "DEBUG": "1"},
		EnvOverrides: map[string]map[string]string{
			"production": {"DEBUG": ""},
			"staging":    {"API_URL": "https://staging-api"},
		},
		ManagedPolicies: map[RolePurpose][]string{
			RoleDeploy: {"arn:deploy"},
		},
	}
}

func testRun() RunContext {
	return RunContext{
		Project:      "shop",
		Region:       "eu-west-1",
		Environments: []string{"production", "staging"},
		Branches:     []string{"main", "develop"},
	}
}

func buildDesired(t *testing.T) []DesiredState {
	t.Helper()
	states, err := BuildDesired(testRun(), testIntent())
	if err != nil {
		t.Fatalf("BuildDesired returned error: %v", err)
	}
	return states
}

func findState(t *testing.T, states []DesiredState, kind ResourceKind, name string) DesiredState {
	t.Helper()
	for _, s := range states {
		if s.Key.Kind == kind && s.Key.Name == name {
			return s
		}
	}
	t.Fatalf("No desired state for %s/%s", kind, name)
	return DesiredState{}
}

// TestBuildDesiredFanOut tests that one logical intent expands into the full
// fixed topology with per-environment and per-branch fan-out.
func TestBuildDesiredFanOut(t *testing.T) {
	states := buildDesired(t)

	counts := make(map[ResourceKind]int)
	for _, s := range states {
		counts[s.Key.Kind]++
	}

	expected := map[ResourceKind]int{
		KindServiceRole:           4,
		KindInstanceProfile:       1,
		KindArtifactBucket:        1,
		KindLaunchTemplate:        1,
		KindTargetGroup:           2,
		KindLoadBalancer:          1,
		KindScalingGroup:          2,
		KindDeploymentApplication: 1,
		KindDeploymentGroup:       2,
		KindBuildProject:          2,
		KindPipeline:              2,
	}
	for kind, want := range expected {
		if counts[kind] != want {
			t.Errorf("Expected %d %s states, got %d", want, kind, counts[kind])
		}
	}

	if _, err := BuildGraph(states); err != nil {
		t.Errorf("Topology graph did not build: %v", err)
	}
}

// TestBuildDesiredSharedLaunchTemplate tests that every scaling group points
// at the single launch template.
func TestBuildDesiredSharedLaunchTemplate(t *testing.T) {
	states := buildDesired(t)
	template := Name("shop", KindLaunchTemplate, "", "")

	for _, env := range []string{"production", "staging"} {
		group := findState(t, states, KindScalingGroup, Name("shop", KindScalingGroup, env, ""))
		if got := group.Field(FieldLaunchTemplate); got != template {
			t.Errorf("Scaling group %s: expected launch template %q, got %q", env, template, got)
		}
	}
}

// TestBuildDesiredNonProductionClamp tests that only production receives the
// full desired capacity.
func TestBuildDesiredNonProductionClamp(t *testing.T) {
	states := buildDesired(t)

	production := findState(t, states, KindScalingGroup, "shop-asg-production")
	if got := production.Field(FieldDesiredCapacity); got != "3" {
		t.Errorf("Expected production desired capacity 3, got %s", got)
	}

	staging := findState(t, states, KindScalingGroup, "shop-asg-staging")
	if got := staging.Field(FieldDesiredCapacity); got != "1" {
		t.Errorf("Expected staging desired capacity clamped to min 1, got %s", got)
	}
	if got := staging.Field(FieldMaxSize); got != "5" {
		t.Errorf("Expected staging max 5, got %s", got)
	}
}

// TestBuildDesiredSubnetsCanonical tests that subnet lists are joined in a
// canonical order regardless of descriptor ordering.
func TestBuildDesiredSubnetsCanonical(t *testing.T) {
	states := buildDesired(t)
	lb := findState(t, states, KindLoadBalancer, "shop-alb")
	if got := lb.Field(FieldSubnets); got != "subnet-a,subnet-b" {
		t.Errorf("Expected sorted subnets 'subnet-a,subnet-b', got %q", got)
	}
}

// TestBuildDesiredEnvLayering tests that build projects carry the resolved
// environment bindings for the environment their branch deploys to.
func TestBuildDesiredEnvLayering(t *testing.T) {
	states := buildDesired(t)

	// main deploys to production: DEBUG overridden to empty is dropped.
	mainBuild := findState(t, states, KindBuildProject, "shop-build-main")
	if got := mainBuild.Field(EnvFieldPrefix + "API_URL"); got != "https://api" {
		t.Errorf("Expected default API_URL, got %q", got)
	}
	if _, present := mainBuild.Fields[EnvFieldPrefix+"DEBUG"]; present {
		t.Error("Expected empty-valued DEBUG to be dropped, but it is present")
	}

	// develop deploys to staging: API_URL override wins, DEBUG default stays.
	devBuild := findState(t, states, KindBuildProject, "shop-build-develop")
	if got := devBuild.Field(EnvFieldPrefix + "API_URL"); got != "https://staging-api" {
		t.Errorf("Expected staging API_URL override, got %q", got)
	}
	if got := devBuild.Field(EnvFieldPrefix + "DEBUG"); got != "1" {
		t.Errorf("Expected default DEBUG for staging, got %q", got)
	}
}

// TestBuildDesiredPipelineWiring tests that each pipeline binds its branch's
// build project and its environment's deployment group.
func TestBuildDesiredPipelineWiring(t *testing.T) {
	states := buildDesired(t)

	main := findState(t, states, KindPipeline, "shop-pipeline-main")
	if got := main.Field(FieldBuildProject); got != "shop-build-main" {
		t.Errorf("Expected build project 'shop-build-main', got %q", got)
	}
	if got := main.Field(FieldDeploymentGroup); got != "shop-dg-production" {
		t.Errorf("Expected main pipeline to deploy to production, got %q", got)
	}

	develop := findState(t, states, KindPipeline, "shop-pipeline-develop")
	if got := develop.Field(FieldDeploymentGroup); got != "shop-dg-staging" {
		t.Errorf("Expected develop pipeline to deploy to staging, got %q", got)
	}
}

// TestBuildDesiredListenerTargetsProduction tests the load balancer listener
// fronts the production target group.
func TestBuildDesiredListenerTargetsProduction(t *testing.T) {
	states := buildDesired(t)
	lb := findState(t, states, KindLoadBalancer, "shop-alb")
	if got := lb.Field(FieldTargetGroup); got != "shop-tg-production" {
		t.Errorf("Expected listener target 'shop-tg-production', got %q", got)
	}
	if len(lb.DependsOn) != 2 {
		t.Errorf("Expected load balancer to depend on both target groups, got %v", lb.DependsOn)
	}
}

// TestBuildDesiredRejectsEmptyEnvironments tests that a run without any
// environment is refused instead of producing a broken topology.
func TestBuildDesiredRejectsEmptyEnvironments(t *testing.T) {
	run := testRun()
	run.Environments = nil

	states, err := BuildDesired(run, testIntent())
	if err == nil {
		t.Fatal("Expected error for empty environment set, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("Expected conflict classification, got %v", err)
	}
	if states != nil {
		t.Errorf("Expected no states, got %d", len(states))
	}
}

// TestEnvironmentForBranch tests the branch-to-environment mapping.
func TestEnvironmentForBranch(t *testing.T) {
	run := testRun()
	cases := map[string]string{
		"main":          "production",
		"master":        "production",
		"develop":       "staging",
		"feature/login": "staging",
	}
	for branch, want := range cases {
		if got := EnvironmentForBranch(run, branch); got != want {
			t.Errorf("EnvironmentForBranch(%q): expected %q, got %q", branch, want, got)
		}
	}

	single := RunContext{Environments: []string{"production"}}
	if got := EnvironmentForBranch(single, "develop"); got != "production" {
		t.Errorf("Expected fallback to production with one environment, got %q", got)
	}
}

// TestResolveEnv tests layering and empty-value dropping.
func TestResolveEnv(t *testing.T) {
	defaults := map[string]string{"A": "1", "B": "2", "C": "3"}
	overrides := map[string]string{"B": "20", "C": "", "D": "4"}

	out := ResolveEnv(defaults, overrides)
	if out["A"] != "1" || out["B"] != "20" || out["D"] != "4" {
		t.Errorf("Unexpected resolution: %v", out)
	}
	if _, present := out["C"]; present {
		t.Error("Expected key resolved to empty string to be dropped")
	}
	if len(out) != 3 {
		t.Errorf("Expected 3 keys, got %d (%v)", len(out), out)
	}
}

// TestBuildDesiredRoleDependencies tests that dependent resources name the
// role that must exist before them.
func TestBuildDesiredRoleDependencies(t *testing.T) {
	states := buildDesired(t)

	profile := findState(t, states, KindInstanceProfile, "shop-instance-profile")
	if got := profile.Field(FieldRole); got != "shop-instance-role" {
		t.Errorf("Expected instance role binding, got %q", got)
	}

	dg := findState(t, states, KindDeploymentGroup, "shop-dg-production")
	if got := dg.Field(FieldRole); !strings.HasSuffix(got, "deploy-role") {
		t.Errorf("Expected deploy role binding, got %q", got)
	}
}
