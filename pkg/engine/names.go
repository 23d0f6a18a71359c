package engine

import (
	"fmt"
	"strings"
)

// RolePurpose distinguishes the IAM trust roles the topology needs. The
// purpose is part of the deterministic name and is immutable.
type RolePurpose string

const (
	RoleDeploy   RolePurpose = "deploy"
	RoleInstance RolePurpose = "instance"
	RoleBuild    RolePurpose = "build"
	RolePipeline RolePurpose = "pipeline"
)

// AllRolePurposes lists every service role the topology provisions.
var AllRolePurposes = []RolePurpose{RoleDeploy, RoleInstance, RoleBuild, RolePipeline}

// NamePrefix returns the deterministic prefix shared by every resource the
// project owns. Teardown scans by this prefix, independent of the descriptor.
func NamePrefix(project string) string {
	return sanitize(project) + "-"
}

// Name computes the deterministic resource name for a kind. Names are pure
// functions of project, kind, environment, and branch; they are the sole
// identity key used for idempotent lookup.
func Name(project string, kind ResourceKind, env, branch string) string {
	p := sanitize(project)
	switch kind {
	case KindServiceRole:
		// env carries the role purpose for this kind.
		return fmt.Sprintf("%s-%s-role", p, env)
	case KindInstanceProfile:
		return p + "-instance-profile"
	case KindArtifactBucket:
		return p + "-artifacts"
	case KindLaunchTemplate:
		return p + "-launch-template"
	case KindLoadBalancer:
		return p + "-alb"
	case KindTargetGroup:
		return fmt.Sprintf("%s-tg-%s", p, sanitize(env))
	case KindScalingGroup:
		return fmt.Sprintf("%s-asg-%s", p, sanitize(env))
	case KindDeploymentApplication:
		return p + "-app"
	case KindDeploymentGroup:
		return fmt.Sprintf("%s-dg-%s", p, sanitize(env))
	case KindBuildProject:
		return fmt.Sprintf("%s-build-%s", p, sanitize(branch))
	case KindPipeline:
		return fmt.Sprintf("%s-pipeline-%s", p, sanitize(branch))
	}
	return p + "-" + string(kind)
}

// RoleName computes the deterministic name of a purpose-scoped service role.
func RoleName(project string, purpose RolePurpose) string {
	return Name(project, KindServiceRole, string(purpose), "")
}

// ParameterRoot computes the path prefix every parameter of the project
// lives under.
func ParameterRoot(project string) string {
	return "/" + sanitize(project)
}

// ParameterPath computes the path-namespaced location of one runtime or
// build-time environment variable in the parameter store.
func ParameterPath(project, env, key string, build bool) string {
	if build {
		return fmt.Sprintf("/%s/%s/build/%s", sanitize(project), sanitize(env), key)
	}
	return fmt.Sprintf("/%s/%s/%s", sanitize(project), sanitize(env), key)
}

// sanitize maps an arbitrary project, environment, or branch label onto the
// character set every target service accepts. Branch names commonly contain
// slashes (feature/x); provider names cannot.
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
