package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceKind identifies one of the fixed infrastructure primitive types
// managed by the engine. The set is closed: the engine provisions exactly one
// topology built from these kinds.
type ResourceKind string

const (
	KindServiceRole           ResourceKind = "service-role"
	KindInstanceProfile       ResourceKind = "instance-profile"
	KindArtifactBucket        ResourceKind = "artifact-bucket"
	KindLaunchTemplate        ResourceKind = "launch-template"
	KindLoadBalancer          ResourceKind = "load-balancer"
	KindTargetGroup           ResourceKind = "target-group"
	KindScalingGroup          ResourceKind = "scaling-group"
	KindDeploymentApplication ResourceKind = "deployment-application"
	KindDeploymentGroup       ResourceKind = "deployment-group"
	KindBuildProject          ResourceKind = "build-project"
	KindPipeline              ResourceKind = "pipeline"
)

// KindOrder lists every kind in provisioning dependency order. Teardown uses
// the exact reverse.
var KindOrder = []ResourceKind{
	KindServiceRole,
	KindInstanceProfile,
	KindArtifactBucket,
	KindLaunchTemplate,
	KindTargetGroup,
	KindLoadBalancer,
	KindScalingGroup,
	KindDeploymentApplication,
	KindDeploymentGroup,
	KindBuildProject,
	KindPipeline,
}

// Validate reports whether the kind is a member of the closed enumeration.
func (k ResourceKind) Validate() error {
	for _, known := range KindOrder {
		if k == known {
			return nil
		}
	}
	return NewConflictError(fmt.Sprintf("unknown resource kind %q", k), nil)
}

// NodeKey is the identity of a resource at the planning layer: kind plus
// deterministic name. Provider-issued IDs are never used as identity.
type NodeKey struct {
	Kind ResourceKind `json:"kind"`
	Name string       `json:"name"`
}

func (k NodeKey) String() string {
	return string(k.Kind) + "/" + k.Name
}

// Platform is the compute platform of the deployment application. It is
// immutable once the application exists.
type Platform string

const (
	PlatformServer Platform = "Server"
	PlatformLambda Platform = "Lambda"
	PlatformECS    Platform = "ECS"
)

// Field names used in the flat attribute view of desired and observed state.
// Keeping the view flat lets the planner diff every kind with one code path.
const (
	FieldPlatform        = "platform"
	FieldMinSize         = "min-size"
	FieldMaxSize         = "max-size"
	FieldDesiredCapacity = "desired-capacity"
	FieldInstanceCount   = "instance-count"
	FieldInstanceType    = "instance-type"
	FieldImageID         = "image-id"
	FieldTargetType      = "target-type"
	FieldVPC             = "vpc"
	FieldSubnets         = "subnets"
	FieldRolePurpose     = "role-purpose"
	FieldPolicyArns      = "policy-arns"
	FieldRole            = "role"
	FieldInstanceProfile = "instance-profile"
	FieldDeploymentGroup = "deployment-group"
	FieldArtifactBucket  = "artifact-bucket"
	FieldBranch          = "branch"
	FieldEnvironment     = "environment"
	FieldBuildImage      = "build-image"
	FieldLaunchTemplate  = "launch-template"
	FieldTargetGroup     = "target-group"
	FieldApplication     = "application"
	FieldBuildProject    = "build-project"
	FieldScalingGroup    = "scaling-group"

	// EnvFieldPrefix namespaces resolved environment variable bindings
	// inside the attribute view ("env.API_KEY").
	EnvFieldPrefix = "env."
)

// immutableFields lists, per kind, the attributes that cannot change in
// place. A mismatch on any of these is a Conflict, never an Update.
var immutableFields = map[ResourceKind][]string{
	KindDeploymentApplication: {FieldPlatform},
	KindDeploymentGroup:       {FieldPlatform},
	KindTargetGroup:           {FieldTargetType, FieldVPC},
	KindLoadBalancer:          {FieldVPC},
	KindServiceRole:           {FieldRolePurpose},
}

// ImmutableFields returns the immutable attribute names for a kind.
func ImmutableFields(kind ResourceKind) []string {
	return immutableFields[kind]
}

// DesiredState is the target configuration of one resource instance. It is
// constructed once per invocation and is immutable thereafter, except for
// the planner rewriting fields under a KeepExisting resolution.
type DesiredState struct {
	Key         NodeKey           `json:"key"`
	Environment string            `json:"environment,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Fields      map[string]string `json:"fields"`
	DependsOn   []NodeKey         `json:"depends_on,omitempty"`
}

// Field returns the named attribute, or "" when unset.
func (d *DesiredState) Field(name string) string {
	return d.Fields[name]
}

// Clone returns a deep copy, used when the planner rewrites desired state.
func (d DesiredState) Clone() DesiredState {
	out := d
	out.Fields = make(map[string]string, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	out.DependsOn = append([]NodeKey(nil), d.DependsOn...)
	return out
}

// ObservedState is the provider-reported state of one resource instance.
// Absence is represented by a nil *ObservedState, never by an error.
type ObservedState struct {
	Key        NodeKey           `json:"key"`
	ProviderID string            `json:"provider_id,omitempty"`
	Fields     map[string]string `json:"fields"`
}

// Field returns the named attribute, or "" when unset.
func (o *ObservedState) Field(name string) string {
	if o == nil {
		return ""
	}
	return o.Fields[name]
}

// Summary renders the observed attributes for conflict display.
func (o *ObservedState) Summary() string {
	if o == nil {
		return "(absent)"
	}
	return renderFields(o.Fields)
}

// Summary renders the desired attributes for conflict display.
func (d *DesiredState) Summary() string {
	return renderFields(d.Fields)
}

func renderFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}

// ActionOp is the per-resource reconciliation decision.
type ActionOp string

const (
	// OpCreate provisions a resource that does not exist yet.
	OpCreate ActionOp = "create"

	// OpKeep leaves an existing, matching resource untouched.
	OpKeep ActionOp = "keep"

	// OpUpdate applies mutable-field drift in place.
	OpUpdate ActionOp = "update"

	// OpConflict marks an immutable-field mismatch awaiting a Resolution.
	OpConflict ActionOp = "conflict"

	// OpReplace deletes then recreates; produced only by resolving a
	// conflict with ResolutionDeleteAndRecreate.
	OpReplace ActionOp = "replace"
)

// Change records one mutable-field difference between observed and desired.
type Change struct {
	Field    string `json:"field"`
	Observed string `json:"observed"`
	Desired  string `json:"desired"`
}

// Action is the planner's decision for one resource.
type Action struct {
	Key      NodeKey        `json:"key"`
	Op       ActionOp       `json:"op"`
	Desired  DesiredState   `json:"desired"`
	Observed *ObservedState `json:"observed,omitempty"`
	Diff     []Change       `json:"diff,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Resolution is the caller-supplied answer to a Conflict action.
type Resolution string

const (
	// ResolutionKeepExisting rewrites desired state to match the observed
	// resource; dependents are replanned against the real value.
	ResolutionKeepExisting Resolution = "keep-existing"

	// ResolutionDeleteAndRecreate destroys the existing resource and
	// provisions the desired one. Requires the caller to acknowledge that
	// dependents are transiently orphaned.
	ResolutionDeleteAndRecreate Resolution = "delete-and-recreate"
)

// ConflictRequest is the data handed to the caller for each Conflict action.
// The interactive layer lives entirely outside the engine; it answers these
// synchronously before Apply.
type ConflictRequest struct {
	Kind            ResourceKind `json:"kind"`
	Name            string       `json:"name"`
	ObservedSummary string       `json:"observed_summary"`
	DesiredSummary  string       `json:"desired_summary"`
	Reason          string       `json:"reason"`
}

// Plan is the ordered set of actions for one reconciliation run. Actions are
// stored in topological order; Apply walks them front to back.
type Plan struct {
	ID        string      `json:"id"`
	Project   string      `json:"project"`
	CreatedAt time.Time   `json:"created_at"`
	Actions   []Action    `json:"actions"`
	Summary   PlanSummary `json:"summary"`
}

// PlanSummary counts actions by decision.
type PlanSummary struct {
	Total     int `json:"total"`
	ToCreate  int `json:"to_create"`
	ToKeep    int `json:"to_keep"`
	ToUpdate  int `json:"to_update"`
	ToReplace int `json:"to_replace"`
	Conflicts int `json:"conflicts"`
}

// Conflicts returns the resolution requests for every unresolved Conflict.
func (p *Plan) Conflicts() []ConflictRequest {
	var reqs []ConflictRequest
	for _, a := range p.Actions {
		if a.Op != OpConflict {
			continue
		}
		reqs = append(reqs, ConflictRequest{
			Kind:            a.Key.Kind,
			Name:            a.Key.Name,
			ObservedSummary: a.Observed.Summary(),
			DesiredSummary:  a.Desired.Summary(),
			Reason:          a.Reason,
		})
	}
	return reqs
}

// Action returns the action for a key, or nil when the plan has none.
func (p *Plan) Action(key NodeKey) *Action {
	for i := range p.Actions {
		if p.Actions[i].Key == key {
			return &p.Actions[i]
		}
	}
	return nil
}

func (p *Plan) recount() {
	s := PlanSummary{Total: len(p.Actions)}
	for _, a := range p.Actions {
		switch a.Op {
		case OpCreate:
			s.ToCreate++
		case OpKeep:
			s.ToKeep++
		case OpUpdate:
			s.ToUpdate++
		case OpReplace:
			s.ToReplace++
		case OpConflict:
			s.Conflicts++
		}
	}
	p.Summary = s
}

// Outcome is the terminal state of one applied action.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeAdopted Outcome = "adopted"
	OutcomeUpdated Outcome = "updated"
	OutcomeKept    Outcome = "kept"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeDeleted Outcome = "deleted"
)

// ProvisionResult is the per-resource outcome of Apply.
type ProvisionResult struct {
	Key        NodeKey `json:"key"`
	Outcome    Outcome `json:"outcome"`
	ProviderID string  `json:"provider_id,omitempty"`
	Err        error   `json:"-"`
}

// Failed reports whether the run ended with any failed or skipped resource.
func Failed(results []ProvisionResult) bool {
	for _, r := range results {
		if r.Outcome == OutcomeFailed || r.Outcome == OutcomeSkipped {
			return true
		}
	}
	return false
}

// RunContext carries the scope of one invocation explicitly; the engine
// reads no ambient process state. Two concurrent runs against the same
// project are not serialized by this design and must be prevented by the
// caller.
type RunContext struct {
	Project      string
	Region       string
	Environments []string
	Branches     []string
}
