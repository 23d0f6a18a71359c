package engine

import (
	"sort"
	"strconv"
	"strings"
)

// Intent is the single declarative input the topology is derived from: one
// logical deployment target per branch/environment tuple. The configuration
// layer builds it from the descriptor plus caller-supplied overrides; the
// engine only consumes the final struct.
type Intent struct {
	Platform     Platform
	InstanceType string
	ImageID      string
	BuildImage   string
	Capacity     Capacity
	Network      Network

	// EnvDefaults and EnvOverrides are the two environment-variable layers.
	// A per-environment override wins over the default for the same key.
	EnvDefaults  map[string]string
	EnvOverrides map[string]map[string]string

	// ManagedPolicies maps each service role to the policy ARNs it carries.
	ManagedPolicies map[RolePurpose][]string
}

// Capacity bounds a scaling group. Invariant: Min <= Desired <= Max.
type Capacity struct {
	Min     int
	Desired int
	Max     int
}

// Network selects where load balancing and scaling resources land.
type Network struct {
	VPCID      string
	SubnetIDs  []string
	TargetType string
}

// ProductionEnvironment is the environment name that receives the full
// desired capacity; every other environment is scaled to the minimum.
const ProductionEnvironment = "production"

// EnvironmentForBranch maps a branch onto the environment its build and
// pipeline deploy to: main/master go to production when it exists, everything
// else goes to the first non-production environment.
func EnvironmentForBranch(run RunContext, branch string) string {
	isMain := branch == "main" || branch == "master"
	var firstOther string
	for _, env := range run.Environments {
		if env == ProductionEnvironment {
			if isMain {
				return env
			}
			continue
		}
		if firstOther == "" {
			firstOther = env
		}
	}
	if !isMain && firstOther != "" {
		return firstOther
	}
	if len(run.Environments) > 0 {
		return run.Environments[0]
	}
	return ProductionEnvironment
}

// ResolveEnv flattens the two environment-variable layers for one
// environment. The override layer wins; keys defined by neither layer are
// omitted, and keys resolved to the empty string are dropped rather than
// written empty.
func ResolveEnv(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	for k, v := range out {
		if v == "" {
			delete(out, k)
		}
	}
	return out
}

// BuildDesired expands the intent into the full fixed topology: service
// roles, instance profile, artifact bucket, launch template, load balancing,
// scaling groups, deployment application and groups, and per-branch build
// projects and pipelines. One logical scaling target fans out into one
// physical scaling group per environment, all sharing a single launch
// template; non-production environments are held at minimum capacity.
// A run without environments has no deployment target to expand into.
func BuildDesired(run RunContext, intent Intent) ([]DesiredState, error) {
	if len(run.Environments) == 0 {
		return nil, NewConflictError("topology requires at least one environment", nil)
	}
	project := run.Project
	states := make([]DesiredState, 0, 8+3*len(run.Environments)+2*len(run.Branches))

	// Subnet lists are compared as joined strings; canonical order keeps the
	// comparison insensitive to descriptor ordering.
	subnets := append([]string(nil), intent.Network.SubnetIDs...)
	sort.Strings(subnets)
	joinedSubnets := strings.Join(subnets, ",")

	roleKeys := make(map[RolePurpose]NodeKey, len(AllRolePurposes))
	for _, purpose := range AllRolePurposes {
		key := NodeKey{Kind: KindServiceRole, Name: RoleName(project, purpose)}
		roleKeys[purpose] = key
		states = append(states, DesiredState{
			Key: key,
			Fields: map[string]string{
				FieldRolePurpose: string(purpose),
				FieldPolicyArns:  strings.Join(intent.ManagedPolicies[purpose], ","),
			},
		})
	}

	profileKey := NodeKey{Kind: KindInstanceProfile, Name: Name(project, KindInstanceProfile, "", "")}
	states = append(states, DesiredState{
		Key:       profileKey,
		Fields:    map[string]string{FieldRole: roleKeys[RoleInstance].Name},
		DependsOn: []NodeKey{roleKeys[RoleInstance]},
	})

	bucketKey := NodeKey{Kind: KindArtifactBucket, Name: Name(project, KindArtifactBucket, "", "")}
	states = append(states, DesiredState{
		Key:    bucketKey,
		Fields: map[string]string{},
	})

	templateKey := NodeKey{Kind: KindLaunchTemplate, Name: Name(project, KindLaunchTemplate, "", "")}
	states = append(states, DesiredState{
		Key: templateKey,
		Fields: map[string]string{
			FieldInstanceType:    intent.InstanceType,
			FieldImageID:         intent.ImageID,
			FieldInstanceProfile: profileKey.Name,
		},
		DependsOn: []NodeKey{profileKey},
	})

	groupKeys := make(map[string]NodeKey, len(run.Environments))
	targetKeys := make([]NodeKey, 0, len(run.Environments))
	for _, env := range run.Environments {
		tgKey := NodeKey{Kind: KindTargetGroup, Name: Name(project, KindTargetGroup, env, "")}
		targetKeys = append(targetKeys, tgKey)
		states = append(states, DesiredState{
			Key:         tgKey,
			Environment: env,
			Fields: map[string]string{
				FieldTargetType: intent.Network.TargetType,
				FieldVPC:        intent.Network.VPCID,
			},
		})
	}

	// The listener fronts the production target group; traffic to other
	// environments is shifted by deployments, not by the balancer.
	listenerTarget := targetKeys[0].Name
	for i, env := range run.Environments {
		if env == ProductionEnvironment {
			listenerTarget = targetKeys[i].Name
		}
	}
	lbKey := NodeKey{Kind: KindLoadBalancer, Name: Name(project, KindLoadBalancer, "", "")}
	states = append(states, DesiredState{
		Key: lbKey,
		Fields: map[string]string{
			FieldVPC:         intent.Network.VPCID,
			FieldSubnets:     joinedSubnets,
			FieldTargetGroup: listenerTarget,
		},
		DependsOn: targetKeys,
	})

	for i, env := range run.Environments {
		capacity := intent.Capacity
		if env != ProductionEnvironment {
			capacity.Desired = capacity.Min
		}
		key := NodeKey{Kind: KindScalingGroup, Name: Name(project, KindScalingGroup, env, "")}
		groupKeys[env] = key
		states = append(states, DesiredState{
			Key:         key,
			Environment: env,
			Fields: map[string]string{
				FieldMinSize:         strconv.Itoa(capacity.Min),
				FieldDesiredCapacity: strconv.Itoa(capacity.Desired),
				FieldMaxSize:         strconv.Itoa(capacity.Max),
				FieldLaunchTemplate:  templateKey.Name,
				FieldTargetGroup:     targetKeys[i].Name,
				FieldSubnets:         joinedSubnets,
			},
			DependsOn: []NodeKey{templateKey, targetKeys[i], lbKey},
		})
	}

	appKey := NodeKey{Kind: KindDeploymentApplication, Name: Name(project, KindDeploymentApplication, "", "")}
	states = append(states, DesiredState{
		Key:    appKey,
		Fields: map[string]string{FieldPlatform: string(intent.Platform)},
	})

	dgKeys := make(map[string]NodeKey, len(run.Environments))
	for _, env := range run.Environments {
		key := NodeKey{Kind: KindDeploymentGroup, Name: Name(project, KindDeploymentGroup, env, "")}
		dgKeys[env] = key
		states = append(states, DesiredState{
			Key:         key,
			Environment: env,
			Fields: map[string]string{
				FieldPlatform:     string(intent.Platform),
				FieldApplication:  appKey.Name,
				FieldScalingGroup: groupKeys[env].Name,
				FieldRole:         roleKeys[RoleDeploy].Name,
			},
			DependsOn: []NodeKey{appKey, groupKeys[env], roleKeys[RoleDeploy]},
		})
	}

	for _, branch := range run.Branches {
		env := EnvironmentForBranch(run, branch)
		buildFields := map[string]string{
			FieldBranch:         branch,
			FieldBuildImage:     intent.BuildImage,
			FieldArtifactBucket: bucketKey.Name,
			FieldRole:           roleKeys[RoleBuild].Name,
		}
		for k, v := range ResolveEnv(intent.EnvDefaults, intent.EnvOverrides[env]) {
			buildFields[EnvFieldPrefix+k] = v
		}
		buildKey := NodeKey{Kind: KindBuildProject, Name: Name(project, KindBuildProject, "", branch)}
		states = append(states, DesiredState{
			Key:         buildKey,
			Environment: env,
			Branch:      branch,
			Fields:      buildFields,
			DependsOn:   []NodeKey{bucketKey, roleKeys[RoleBuild]},
		})

		states = append(states, DesiredState{
			Key:         NodeKey{Kind: KindPipeline, Name: Name(project, KindPipeline, "", branch)},
			Environment: env,
			Branch:      branch,
			Fields: map[string]string{
				FieldBranch:          branch,
				FieldArtifactBucket:  bucketKey.Name,
				FieldBuildProject:    buildKey.Name,
				FieldApplication:     appKey.Name,
				FieldDeploymentGroup: dgKeys[env].Name,
				FieldRole:            roleKeys[RolePipeline].Name,
			},
			DependsOn: []NodeKey{buildKey, roleKeys[RolePipeline], dgKeys[env]},
		})
	}

	return states, nil
}
