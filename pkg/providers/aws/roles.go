package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// IAMClient is the slice of the IAM API the role and instance profile
// handlers use.
type IAMClient interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	ListInstanceProfilesForRole(ctx context.Context, params *iam.ListInstanceProfilesForRoleInput, optFns ...func(*iam.Options)) (*iam.ListInstanceProfilesForRoleOutput, error)
	RemoveRoleFromInstanceProfile(ctx context.Context, params *iam.RemoveRoleFromInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
	GetInstanceProfile(ctx context.Context, params *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	CreateInstanceProfile(ctx context.Context, params *iam.CreateInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error)
	DeleteInstanceProfile(ctx context.Context, params *iam.DeleteInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error)
	AddRoleToInstanceProfile(ctx context.Context, params *iam.AddRoleToInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error)
	ListInstanceProfiles(ctx context.Context, params *iam.ListInstanceProfilesInput, optFns ...func(*iam.Options)) (*iam.ListInstanceProfilesOutput, error)
}

// trustedServices maps each role purpose to the service principal allowed to
// assume the role.
var trustedServices = map[engine.RolePurpose]string{
	engine.RoleDeploy:   "codedeploy.amazonaws.com",
	engine.RoleInstance: "ec2.amazonaws.com",
	engine.RoleBuild:    "codebuild.amazonaws.com",
	engine.RolePipeline: "codepipeline.amazonaws.com",
}

func trustPolicy(purpose engine.RolePurpose) (string, error) {
	service, ok := trustedServices[purpose]
	if !ok {
		return "", engine.NewConflictError(fmt.Sprintf("unknown role purpose %q", purpose), nil)
	}
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"%s"},"Action":"sts:AssumeRole"}]}`, service), nil
}

// ServiceRoleHandler manages purpose-scoped IAM roles. The purpose is stored
// in the role description so Describe can reconstruct it; the role's trust
// policy is derived from the purpose and never diffed.
type ServiceRoleHandler struct {
	client IAMClient
}

// NewServiceRoleHandler creates a handler over the IAM client.
func NewServiceRoleHandler(client IAMClient) *ServiceRoleHandler {
	return &ServiceRoleHandler{client: client}
}

func (h *ServiceRoleHandler) Kind() engine.ResourceKind { return engine.KindServiceRole }

func (h *ServiceRoleHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.GetRole(ctx, &iam.GetRoleInput{RoleName: awsv2.String(name)})
	if err != nil {
		err = classify(fmt.Sprintf("describe role %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	arns, err := h.attachedPolicies(ctx, name)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		engine.FieldPolicyArns: strings.Join(arns, ","),
	}
	if out.Role.Description != nil {
		fields[engine.FieldRolePurpose] = *out.Role.Description
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindServiceRole, Name: name},
		ProviderID: awsv2.ToString(out.Role.Arn),
		Fields:     fields,
	}, nil
}

func (h *ServiceRoleHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	purpose := engine.RolePurpose(desired.Field(engine.FieldRolePurpose))
	trust, err := trustPolicy(purpose)
	if err != nil {
		return "", err
	}
	out, err := h.client.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 awsv2.String(desired.Key.Name),
		AssumeRolePolicyDocument: awsv2.String(trust),
		Description:              awsv2.String(string(purpose)),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create role %q", desired.Key.Name), err)
	}
	if err := h.reconcilePolicies(ctx, desired.Key.Name, nil, splitList(desired.Field(engine.FieldPolicyArns))); err != nil {
		return "", err
	}
	return awsv2.ToString(out.Role.Arn), nil
}

func (h *ServiceRoleHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	current := splitList(observed.Field(engine.FieldPolicyArns))
	wanted := splitList(desired.Field(engine.FieldPolicyArns))
	return h.reconcilePolicies(ctx, desired.Key.Name, current, wanted)
}

func (h *ServiceRoleHandler) Delete(ctx context.Context, name string) error {
	// A role cannot be deleted while attached to anything; unwind profile
	// memberships, managed attachments, and inline policies first.
	profiles, err := h.client.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{RoleName: awsv2.String(name)})
	if err != nil {
		err = classify(fmt.Sprintf("list instance profiles for role %q", name), err)
		if !engine.IsNotFound(err) {
			return err
		}
		return nil
	}
	for _, p := range profiles.InstanceProfiles {
		_, err := h.client.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: p.InstanceProfileName,
			RoleName:            awsv2.String(name),
		})
		if err != nil {
			if err = classify(fmt.Sprintf("remove role %q from instance profile", name), err); !engine.IsNotFound(err) {
				return err
			}
		}
	}

	attached, err := h.attachedPolicies(ctx, name)
	if err != nil && !engine.IsNotFound(err) {
		return err
	}
	for _, arn := range attached {
		_, err := h.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  awsv2.String(name),
			PolicyArn: awsv2.String(arn),
		})
		if err != nil {
			if err = classify(fmt.Sprintf("detach policy from role %q", name), err); !engine.IsNotFound(err) {
				return err
			}
		}
	}

	inline, err := h.client.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: awsv2.String(name)})
	if err == nil {
		for _, policy := range inline.PolicyNames {
			_, err := h.client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   awsv2.String(name),
				PolicyName: awsv2.String(policy),
			})
			if err != nil {
				if err = classify(fmt.Sprintf("delete inline policy on role %q", name), err); !engine.IsNotFound(err) {
					return err
				}
			}
		}
	}

	_, err = h.client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: awsv2.String(name)})
	if err != nil {
		if err = classify(fmt.Sprintf("delete role %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *ServiceRoleHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var marker *string
	for {
		out, err := h.client.ListRoles(ctx, &iam.ListRolesInput{Marker: marker})
		if err != nil {
			return nil, classify("list roles", err)
		}
		for _, r := range out.Roles {
			name := awsv2.ToString(r.RoleName)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:        engine.NodeKey{Kind: engine.KindServiceRole, Name: name},
				ProviderID: awsv2.ToString(r.Arn),
				Fields:     map[string]string{},
			})
		}
		if !out.IsTruncated {
			break
		}
		marker = out.Marker
	}
	return states, nil
}

func (h *ServiceRoleHandler) attachedPolicies(ctx context.Context, name string) ([]string, error) {
	out, err := h.client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: awsv2.String(name)})
	if err != nil {
		return nil, classify(fmt.Sprintf("list attached policies for role %q", name), err)
	}
	arns := make([]string, 0, len(out.AttachedPolicies))
	for _, p := range out.AttachedPolicies {
		arns = append(arns, awsv2.ToString(p.PolicyArn))
	}
	sort.Strings(arns)
	return arns, nil
}

// reconcilePolicies attaches what is missing and detaches what is extra.
func (h *ServiceRoleHandler) reconcilePolicies(ctx context.Context, name string, current, wanted []string) error {
	toAttach, toDetach := diffSlice(current, wanted)
	for _, arn := range toAttach {
		_, err := h.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  awsv2.String(name),
			PolicyArn: awsv2.String(arn),
		})
		if err != nil {
			return classify(fmt.Sprintf("attach policy %q to role %q", arn, name), err)
		}
	}
	for _, arn := range toDetach {
		_, err := h.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  awsv2.String(name),
			PolicyArn: awsv2.String(arn),
		})
		if err != nil {
			if err = classify(fmt.Sprintf("detach policy %q from role %q", arn, name), err); !engine.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

// InstanceProfileHandler manages the instance profile carrying the instance
// role onto compute instances.
type InstanceProfileHandler struct {
	client IAMClient
}

// NewInstanceProfileHandler creates a handler over the IAM client.
func NewInstanceProfileHandler(client IAMClient) *InstanceProfileHandler {
	return &InstanceProfileHandler{client: client}
}

func (h *InstanceProfileHandler) Kind() engine.ResourceKind { return engine.KindInstanceProfile }

func (h *InstanceProfileHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: awsv2.String(name)})
	if err != nil {
		err = classify(fmt.Sprintf("describe instance profile %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	fields := map[string]string{}
	if len(out.InstanceProfile.Roles) > 0 {
		fields[engine.FieldRole] = awsv2.ToString(out.InstanceProfile.Roles[0].RoleName)
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindInstanceProfile, Name: name},
		ProviderID: awsv2.ToString(out.InstanceProfile.Arn),
		Fields:     fields,
	}, nil
}

func (h *InstanceProfileHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	out, err := h.client.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: awsv2.String(desired.Key.Name),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create instance profile %q", desired.Key.Name), err)
	}
	if err := h.attachRole(ctx, desired.Key.Name, desired.Field(engine.FieldRole)); err != nil {
		return "", err
	}
	return awsv2.ToString(out.InstanceProfile.Arn), nil
}

func (h *InstanceProfileHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	current := observed.Field(engine.FieldRole)
	wanted := desired.Field(engine.FieldRole)
	if current == wanted {
		return nil
	}
	if current != "" {
		_, err := h.client.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: awsv2.String(desired.Key.Name),
			RoleName:            awsv2.String(current),
		})
		if err != nil {
			if err = classify(fmt.Sprintf("remove role from instance profile %q", desired.Key.Name), err); !engine.IsNotFound(err) {
				return err
			}
		}
	}
	return h.attachRole(ctx, desired.Key.Name, wanted)
}

func (h *InstanceProfileHandler) Delete(ctx context.Context, name string) error {
	observed, err := h.Describe(ctx, name)
	if err != nil {
		return err
	}
	if observed == nil {
		return nil
	}
	if role := observed.Field(engine.FieldRole); role != "" {
		_, err := h.client.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: awsv2.String(name),
			RoleName:            awsv2.String(role),
		})
		if err != nil {
			if err = classify(fmt.Sprintf("remove role from instance profile %q", name), err); !engine.IsNotFound(err) {
				return err
			}
		}
	}
	_, err = h.client.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: awsv2.String(name)})
	if err != nil {
		if err = classify(fmt.Sprintf("delete instance profile %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *InstanceProfileHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var marker *string
	for {
		out, err := h.client.ListInstanceProfiles(ctx, &iam.ListInstanceProfilesInput{Marker: marker})
		if err != nil {
			return nil, classify("list instance profiles", err)
		}
		for _, p := range out.InstanceProfiles {
			name := awsv2.ToString(p.InstanceProfileName)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:        engine.NodeKey{Kind: engine.KindInstanceProfile, Name: name},
				ProviderID: awsv2.ToString(p.Arn),
				Fields:     map[string]string{},
			})
		}
		if !out.IsTruncated {
			break
		}
		marker = out.Marker
	}
	return states, nil
}

func (h *InstanceProfileHandler) attachRole(ctx context.Context, profile, role string) error {
	if role == "" {
		return nil
	}
	_, err := h.client.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: awsv2.String(profile),
		RoleName:            awsv2.String(role),
	})
	if err != nil {
		if err = classify(fmt.Sprintf("add role %q to instance profile %q", role, profile), err); !engine.IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

// splitList parses a comma-joined attribute value back into its elements.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// diffSlice computes the additions and removals needed to turn current into
// wanted, order-insensitively.
func diffSlice(current, wanted []string) (add, remove []string) {
	have := make(map[string]struct{}, len(current))
	for _, c := range current {
		have[c] = struct{}{}
	}
	want := make(map[string]struct{}, len(wanted))
	for _, w := range wanted {
		want[w] = struct{}{}
		if _, ok := have[w]; !ok {
			add = append(add, w)
		}
	}
	for _, c := range current {
		if _, ok := want[c]; !ok {
			remove = append(remove, c)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)
	return add, remove
}

var (
	_ engine.Handler = (*ServiceRoleHandler)(nil)
	_ engine.Handler = (*InstanceProfileHandler)(nil)
)
