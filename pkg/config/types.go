// Package config models the project descriptor: the single declarative input
// the engine provisions from, and the file future runs re-derive it from.
package config

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Project is the full desired configuration for one project in one region.
// It is built once per run from the persisted descriptor plus caller-supplied
// overrides, validated, and immutable thereafter.
type Project struct {
	// Name seeds every deterministic resource name.
	Name string `yaml:"name" validate:"required"`

	// Region scopes every provider call.
	Region string `yaml:"region" validate:"required"`

	// Platform is the deployment compute platform. Immutable once the
	// deployment application exists.
	Platform string `yaml:"platform" validate:"required,oneof=Server Lambda ECS"`

	// Environments lists the deployment environments, e.g. production and
	// staging. One target group, scaling group, and deployment group exist
	// per environment.
	Environments []string `yaml:"environments" validate:"required,min=1,dive,required"`

	// Branches lists the branches that get a build project and pipeline.
	Branches []string `yaml:"branches" validate:"required,min=1,dive,required"`

	InstanceType string `yaml:"instance_type" validate:"required"`
	ImageID      string `yaml:"image_id" validate:"required"`
	BuildImage   string `yaml:"build_image,omitempty"`

	Capacity Capacity `yaml:"capacity"`
	Network  Network  `yaml:"network"`

	// Env holds the two environment-variable layers. Per-environment
	// overrides win over defaults for the same key.
	Env EnvLayers `yaml:"env,omitempty"`

	// Policies optionally overrides the managed policy ARNs attached to
	// each service role.
	Policies map[string][]string `yaml:"policies,omitempty"`

	// Resources holds the bound resource names written back after a
	// successful run. Names only, never provider-issued identifiers, so a
	// run against a recreated account still resolves.
	Resources map[string]string `yaml:"resources,omitempty"`
}

// Capacity bounds the scaling group.
type Capacity struct {
	Min     int `yaml:"min" validate:"min=0"`
	Desired int `yaml:"desired"`
	Max     int `yaml:"max" validate:"min=1"`
}

// Network selects where load balancing and compute land.
type Network struct {
	VPCID      string   `yaml:"vpc_id" validate:"required"`
	SubnetIDs  []string `yaml:"subnet_ids" validate:"required,min=1,dive,required"`
	TargetType string   `yaml:"target_type" validate:"omitempty,oneof=instance ip"`
}

// EnvLayers holds default and per-environment environment variable bindings.
type EnvLayers struct {
	Defaults  map[string]string            `yaml:"defaults,omitempty"`
	Overrides map[string]map[string]string `yaml:"overrides,omitempty"`
}

// envKeyPattern is the identifier shape an environment variable key must
// match within any scope.
var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks structural tags plus the invariants tags cannot express:
// the capacity ordering and the env key identifier pattern.
func (p *Project) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid project configuration: %w", err)
	}

	c := p.Capacity
	if !(c.Min <= c.Desired && c.Desired <= c.Max) {
		return fmt.Errorf("invalid capacity: require min <= desired <= max, got min=%d desired=%d max=%d",
			c.Min, c.Desired, c.Max)
	}

	if err := validateEnvKeys("defaults", p.Env.Defaults); err != nil {
		return err
	}
	for env, layer := range p.Env.Overrides {
		if err := validateEnvKeys("overrides."+env, layer); err != nil {
			return err
		}
	}
	return nil
}

func validateEnvKeys(scope string, layer map[string]string) error {
	for key := range layer {
		if key == "" {
			return fmt.Errorf("env %s: empty variable key", scope)
		}
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("env %s: key %q is not a valid identifier", scope, key)
		}
	}
	return nil
}

// RunContext derives the engine run scope from the configuration.
func (p *Project) RunContext() engine.RunContext {
	return engine.RunContext{
		Project:      p.Name,
		Region:       p.Region,
		Environments: append([]string(nil), p.Environments...),
		Branches:     append([]string(nil), p.Branches...),
	}
}

// defaultPolicies are the managed policies each service role carries when the
// descriptor does not override them.
var defaultPolicies = map[engine.RolePurpose][]string{
	engine.RoleDeploy:   {"arn:aws:iam::aws:policy/service-role/AWSCodeDeployRole"},
	engine.RoleInstance: {"arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore", "arn:aws:iam::aws:policy/AmazonS3ReadOnlyAccess"},
	engine.RoleBuild:    {"arn:aws:iam::aws:policy/CloudWatchLogsFullAccess", "arn:aws:iam::aws:policy/AmazonS3FullAccess"},
	engine.RolePipeline: {"arn:aws:iam::aws:policy/AWSCodePipeline_FullAccess"},
}

// defaultBuildImage is used when the descriptor does not pick one.
const defaultBuildImage = "aws/codebuild/amazonlinux2-x86_64-standard:5.0"

// Intent compiles the configuration into the engine's declarative input.
func (p *Project) Intent() engine.Intent {
	policies := make(map[engine.RolePurpose][]string, len(defaultPolicies))
	for purpose, arns := range defaultPolicies {
		if override, ok := p.Policies[string(purpose)]; ok {
			policies[purpose] = append([]string(nil), override...)
			continue
		}
		policies[purpose] = append([]string(nil), arns...)
	}

	buildImage := p.BuildImage
	if buildImage == "" {
		buildImage = defaultBuildImage
	}
	targetType := p.Network.TargetType
	if targetType == "" {
		targetType = "instance"
	}

	return engine.Intent{
		Platform:     engine.Platform(p.Platform),
		InstanceType: p.InstanceType,
		ImageID:      p.ImageID,
		BuildImage:   buildImage,
		Capacity: engine.Capacity{
			Min:     p.Capacity.Min,
			Desired: p.Capacity.Desired,
			Max:     p.Capacity.Max,
		},
		Network: engine.Network{
			VPCID:      p.Network.VPCID,
			SubnetIDs:  append([]string(nil), p.Network.SubnetIDs...),
			TargetType: targetType,
		},
		EnvDefaults:     p.Env.Defaults,
		EnvOverrides:    p.Env.Overrides,
		ManagedPolicies: policies,
	}
}

// BindResults records the bound names from a completed run so future runs
// re-derive the desired configuration without re-querying everything. Keys
// are the kind, qualified by environment or branch for fanned-out resources.
func (p *Project) BindResults(plan *engine.Plan, results []engine.ProvisionResult) {
	if p.Resources == nil {
		p.Resources = make(map[string]string, len(results))
	}
	for _, r := range results {
		switch r.Outcome {
		case engine.OutcomeCreated, engine.OutcomeAdopted, engine.OutcomeUpdated, engine.OutcomeKept:
		default:
			continue
		}
		key := string(r.Key.Kind)
		if action := plan.Action(r.Key); action != nil {
			switch {
			case action.Desired.Branch != "":
				key += "/" + action.Desired.Branch
			case action.Desired.Environment != "":
				key += "/" + action.Desired.Environment
			case r.Key.Kind == engine.KindServiceRole:
				key += "/" + action.Desired.Field(engine.FieldRolePurpose)
			}
		}
		p.Resources[key] = r.Key.Name
	}
}
