package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func validProject() *Project {
	return &Project{
		Name:         "shop",
		Region:       "eu-west-1",
		Platform:     "Server",
		Environments: []string{"production", "staging"},
		Branches:     []string{"main"},
		InstanceType: "t3.small",
		ImageID:      "ami-123",
		Capacity:     Capacity{Min: 1, Desired: 2, Max: 4},
		Network: Network{
			VPCID:     "vpc-1",
			SubnetIDs: []string{"subnet-a", "subnet-b"},
		},
	}
}

// TestValidateAcceptsCompleteProject tests the happy path.
func TestValidateAcceptsCompleteProject(t *testing.T) {
	if err := validProject().Validate(); err != nil {
		t.Errorf("Expected valid project, got %v", err)
	}
}

// TestValidateRejectsBadPlatform tests the closed platform enumeration.
func TestValidateRejectsBadPlatform(t *testing.T) {
	p := validProject()
	p.Platform = "Mainframe"
	if err := p.Validate(); err == nil {
		t.Error("Expected platform validation error, got nil")
	}
}

// TestValidateCapacityOrdering tests the min <= desired <= max invariant.
func TestValidateCapacityOrdering(t *testing.T) {
	p := validProject()
	p.Capacity = Capacity{Min: 3, Desired: 2, Max: 4}
	if err := p.Validate(); err == nil {
		t.Error("Expected capacity ordering error, got nil")
	}

	p.Capacity = Capacity{Min: 1, Desired: 5, Max: 4}
	if err := p.Validate(); err == nil {
		t.Error("Expected desired > max error, got nil")
	}
}

// TestValidateEnvKeys tests that environment variable keys must be
// identifiers in every layer.
func TestValidateEnvKeys(t *testing.T) {
	p := validProject()
	p.Env.Defaults = map[string]string{"9BAD": "x"}
	if err := p.Validate(); err == nil {
		t.Error("Expected env key validation error for defaults, got nil")
	}

	p = validProject()
	p.Env.Overrides = map[string]map[string]string{
		"staging": {"BAD KEY": "x"},
	}
	if err := p.Validate(); err == nil {
		t.Error("Expected env key validation error for overrides, got nil")
	}
}

// TestValidateRequiresNetwork tests that the network block is mandatory.
func TestValidateRequiresNetwork(t *testing.T) {
	p := validProject()
	p.Network.SubnetIDs = nil
	if err := p.Validate(); err == nil {
		t.Error("Expected subnet validation error, got nil")
	}
}

// TestIntentDefaults tests build image, target type, and policy defaulting.
func TestIntentDefaults(t *testing.T) {
	intent := validProject().Intent()
	if intent.BuildImage != defaultBuildImage {
		t.Errorf("Expected default build image, got %q", intent.BuildImage)
	}
	if intent.Network.TargetType != "instance" {
		t.Errorf("Expected default target type 'instance', got %q", intent.Network.TargetType)
	}
	for _, purpose := range engine.AllRolePurposes {
		if len(intent.ManagedPolicies[purpose]) == 0 {
			t.Errorf("Expected default policies for %s role", purpose)
		}
	}
}

// TestIntentPolicyOverride tests that a descriptor override replaces the
// default policy set for that role only.
func TestIntentPolicyOverride(t *testing.T) {
	p := validProject()
	p.Policies = map[string][]string{"build": {"arn:custom"}}

	intent := p.Intent()
	if got := intent.ManagedPolicies[engine.RoleBuild]; len(got) != 1 || got[0] != "arn:custom" {
		t.Errorf("Expected overridden build policies, got %v", got)
	}
	if got := intent.ManagedPolicies[engine.RoleDeploy]; len(got) == 0 {
		t.Error("Expected deploy role to keep its defaults")
	}
}

// TestDescriptorRoundTrip tests atomic save and validated load.
func TestDescriptorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := validProject()
	p.Env.Defaults = map[string]string{"API_URL": "https://api"}

	if err := Save(dir, p); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := LoadPath(filepath.Join(dir, DescriptorName))
	if err != nil {
		t.Fatalf("LoadPath returned error: %v", err)
	}
	if loaded.Name != "shop" || loaded.Region != "eu-west-1" {
		t.Errorf("Round trip lost identity: %+v", loaded)
	}
	if loaded.Env.Defaults["API_URL"] != "https://api" {
		t.Errorf("Round trip lost env defaults: %v", loaded.Env.Defaults)
	}

	// No temp files may survive a save.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the descriptor in %s, got %d entries", dir, len(entries))
	}
}

// TestSaveRejectsInvalid tests that an invalid project is never persisted.
func TestSaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	p := validProject()
	p.Name = ""
	if err := Save(dir, p); err == nil {
		t.Fatal("Expected validation error on save, got nil")
	}
	if _, err := os.Stat(filepath.Join(dir, DescriptorName)); !os.IsNotExist(err) {
		t.Error("Expected no descriptor written for invalid project")
	}
}

// TestFindDescriptorWalksUp tests the upward search from a nested directory.
func TestFindDescriptorWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "services", "api")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll returned error: %v", err)
	}
	if err := Save(root, validProject()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	path, err := FindDescriptor(nested)
	if err != nil {
		t.Fatalf("FindDescriptor returned error: %v", err)
	}
	if path != filepath.Join(root, DescriptorName) {
		t.Errorf("Expected descriptor at root, got %q", path)
	}
}

// TestFindDescriptorAbsence tests that absence is a value, not an error.
func TestFindDescriptorAbsence(t *testing.T) {
	path, err := FindDescriptor(t.TempDir())
	if err != nil {
		t.Fatalf("FindDescriptor returned error: %v", err)
	}
	if path != "" {
		t.Errorf("Expected empty path for missing descriptor, got %q", path)
	}

	p, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if p != nil {
		t.Errorf("Expected nil project for missing descriptor, got %+v", p)
	}
}

// TestBindResults tests that bound names are keyed by kind and qualifier and
// that failures bind nothing.
func TestBindResults(t *testing.T) {
	p := validProject()

	asgKey := engine.NodeKey{Kind: engine.KindScalingGroup, Name: "shop-asg-production"}
	buildKey := engine.NodeKey{Kind: engine.KindBuildProject, Name: "shop-build-main"}
	roleKey := engine.NodeKey{Kind: engine.KindServiceRole, Name: "shop-deploy-role"}
	failedKey := engine.NodeKey{Kind: engine.KindPipeline, Name: "shop-pipeline-main"}

	plan := &engine.Plan{Actions: []engine.Action{
		{Key: asgKey, Desired: engine.DesiredState{Key: asgKey, Environment: "production"}},
		{Key: buildKey, Desired: engine.DesiredState{Key: buildKey, Branch: "main"}},
		{Key: roleKey, Desired: engine.DesiredState{
			Key:    roleKey,
			Fields: map[string]string{engine.FieldRolePurpose: "deploy"},
		}},
		{Key: failedKey, Desired: engine.DesiredState{Key: failedKey, Branch: "main"}},
	}}

	p.BindResults(plan, []engine.ProvisionResult{
		{Key: asgKey, Outcome: engine.OutcomeCreated},
		{Key: buildKey, Outcome: engine.OutcomeAdopted},
		{Key: roleKey, Outcome: engine.OutcomeKept},
		{Key: failedKey, Outcome: engine.OutcomeFailed},
	})

	expect := map[string]string{
		"scaling-group/production": "shop-asg-production",
		"build-project/main":       "shop-build-main",
		"service-role/deploy":      "shop-deploy-role",
	}
	for key, want := range expect {
		if got := p.Resources[key]; got != want {
			t.Errorf("Expected %s=%q, got %q", key, want, got)
		}
	}
	if _, bound := p.Resources["pipeline/main"]; bound {
		t.Error("Expected failed pipeline not to be bound")
	}
}
