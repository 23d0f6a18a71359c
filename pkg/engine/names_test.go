package engine

import "testing"

// TestNameDeterminism tests that names are pure functions of their inputs.
func TestNameDeterminism(t *testing.T) {
	first := Name("shop", KindScalingGroup, "production", "")
	second := Name("shop", KindScalingGroup, "production", "")
	if first != second {
		t.Errorf("Expected identical names, got %q and %q", first, second)
	}
	if first != "shop-asg-production" {
		t.Errorf("Expected 'shop-asg-production', got %q", first)
	}
}

// TestNameShapes tests the per-kind name shapes.
func TestNameShapes(t *testing.T) {
	cases := []struct {
		kind   ResourceKind
		env    string
		branch string
		want   string
	}{
		{KindInstanceProfile, "", "", "shop-instance-profile"},
		{KindArtifactBucket, "", "", "shop-artifacts"},
		{KindLaunchTemplate, "", "", "shop-launch-template"},
		{KindLoadBalancer, "", "", "shop-alb"},
		{KindTargetGroup, "staging", "", "shop-tg-staging"},
		{KindDeploymentApplication, "", "", "shop-app"},
		{KindDeploymentGroup, "production", "", "shop-dg-production"},
		{KindBuildProject, "", "main", "shop-build-main"},
		{KindPipeline, "", "feature/login", "shop-pipeline-feature-login"},
	}
	for _, c := range cases {
		got := Name("shop", c.kind, c.env, c.branch)
		if got != c.want {
			t.Errorf("Name(%s): expected %q, got %q", c.kind, c.want, got)
		}
	}
}

// TestRoleName tests that each purpose produces a distinct role name.
func TestRoleName(t *testing.T) {
	seen := make(map[string]RolePurpose)
	for _, purpose := range AllRolePurposes {
		name := RoleName("shop", purpose)
		if prev, dup := seen[name]; dup {
			t.Errorf("Role name %q collides between %s and %s", name, prev, purpose)
		}
		seen[name] = purpose
	}
	if got := RoleName("shop", RoleDeploy); got != "shop-deploy-role" {
		t.Errorf("Expected 'shop-deploy-role', got %q", got)
	}
}

// TestSanitize tests that hostile project and branch labels are mapped onto
// the provider-safe character set.
func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"My Shop":        "my-shop",
		"feature/login":  "feature-login",
		"  padded  ":     "padded",
		"UPPER_case.9":   "upper-case-9",
		"--trim-edges--": "trim-edges",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q): expected %q, got %q", in, want, got)
		}
	}
}

// TestNamePrefix tests that the teardown scan prefix covers every generated
// name.
func TestNamePrefix(t *testing.T) {
	prefix := NamePrefix("shop")
	if prefix != "shop-" {
		t.Errorf("Expected prefix 'shop-', got %q", prefix)
	}
	for _, kind := range KindOrder {
		name := Name("shop", kind, "production", "main")
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			t.Errorf("Name %q does not carry prefix %q", name, prefix)
		}
	}
}

// TestParameterPath tests the path-namespaced parameter locations.
func TestParameterPath(t *testing.T) {
	if got := ParameterPath("shop", "production", "API_KEY", false); got != "/shop/production/API_KEY" {
		t.Errorf("Expected '/shop/production/API_KEY', got %q", got)
	}
	if got := ParameterPath("shop", "staging", "API_KEY", true); got != "/shop/staging/build/API_KEY" {
		t.Errorf("Expected '/shop/staging/build/API_KEY', got %q", got)
	}
	if got := ParameterRoot("My Shop"); got != "/my-shop" {
		t.Errorf("Expected '/my-shop', got %q", got)
	}
}
