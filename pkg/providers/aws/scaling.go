package aws

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// AutoScalingClient is the slice of the Auto Scaling API the scaling group
// handler uses.
type AutoScalingClient interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	CreateAutoScalingGroup(ctx context.Context, params *autoscaling.CreateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error)
	UpdateAutoScalingGroup(ctx context.Context, params *autoscaling.UpdateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error)
	DeleteAutoScalingGroup(ctx context.Context, params *autoscaling.DeleteAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error)
}

// ScalingGroupHandler manages one auto scaling group per environment, all
// pointing at the shared launch template. Absence is signalled by an empty
// result set, not an error, so Describe checks the group list explicitly.
type ScalingGroupHandler struct {
	client AutoScalingClient
	elb    ELBClient
}

// NewScalingGroupHandler creates a handler over the Auto Scaling client. The
// ELBv2 client resolves target group names to ARNs at create time.
func NewScalingGroupHandler(client AutoScalingClient, elb ELBClient) *ScalingGroupHandler {
	return &ScalingGroupHandler{client: client, elb: elb}
}

func (h *ScalingGroupHandler) Kind() engine.ResourceKind { return engine.KindScalingGroup }

func (h *ScalingGroupHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	group, err := h.get(ctx, name)
	if err != nil || group == nil {
		return nil, err
	}

	subnets := splitList(awsv2.ToString(group.VPCZoneIdentifier))
	sort.Strings(subnets)

	fields := map[string]string{
		engine.FieldMinSize:         strconv.Itoa(int(awsv2.ToInt32(group.MinSize))),
		engine.FieldMaxSize:         strconv.Itoa(int(awsv2.ToInt32(group.MaxSize))),
		engine.FieldDesiredCapacity: strconv.Itoa(int(awsv2.ToInt32(group.DesiredCapacity))),
		engine.FieldInstanceCount:   strconv.Itoa(len(group.Instances)),
		engine.FieldSubnets:         strings.Join(subnets, ","),
	}
	if group.LaunchTemplate != nil {
		fields[engine.FieldLaunchTemplate] = awsv2.ToString(group.LaunchTemplate.LaunchTemplateName)
	}
	if tg, err := h.targetGroupName(ctx, group.TargetGroupARNs); err != nil {
		return nil, err
	} else if tg != "" {
		fields[engine.FieldTargetGroup] = tg
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindScalingGroup, Name: name},
		ProviderID: awsv2.ToString(group.AutoScalingGroupARN),
		Fields:     fields,
	}, nil
}

func (h *ScalingGroupHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	tgARN, err := h.targetGroupARN(ctx, desired.Field(engine.FieldTargetGroup))
	if err != nil {
		return "", err
	}
	minSize, maxSize, desiredCapacity, err := capacityFields(desired)
	if err != nil {
		return "", err
	}
	_, err = h.client.CreateAutoScalingGroup(ctx, &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: awsv2.String(desired.Key.Name),
		MinSize:              awsv2.Int32(minSize),
		MaxSize:              awsv2.Int32(maxSize),
		DesiredCapacity:      awsv2.Int32(desiredCapacity),
		VPCZoneIdentifier:    awsv2.String(desired.Field(engine.FieldSubnets)),
		TargetGroupARNs:      []string{tgARN},
		LaunchTemplate: &astypes.LaunchTemplateSpecification{
			LaunchTemplateName: awsv2.String(desired.Field(engine.FieldLaunchTemplate)),
			Version:            awsv2.String("$Default"),
		},
		HealthCheckType:        awsv2.String("ELB"),
		HealthCheckGracePeriod: awsv2.Int32(120),
	})
	if err != nil {
		return "", classifyScaling(fmt.Sprintf("create scaling group %q", desired.Key.Name), err)
	}
	group, err := h.get(ctx, desired.Key.Name)
	if err != nil {
		return "", err
	}
	if group == nil {
		return "", engine.NewTransientError(fmt.Sprintf("scaling group %q missing after create", desired.Key.Name), nil)
	}
	return awsv2.ToString(group.AutoScalingGroupARN), nil
}

func (h *ScalingGroupHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	minSize, maxSize, desiredCapacity, err := capacityFields(desired)
	if err != nil {
		return err
	}
	input := &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: awsv2.String(desired.Key.Name),
		MinSize:              awsv2.Int32(minSize),
		MaxSize:              awsv2.Int32(maxSize),
		DesiredCapacity:      awsv2.Int32(desiredCapacity),
	}
	if subnets := desired.Field(engine.FieldSubnets); subnets != observed.Field(engine.FieldSubnets) {
		input.VPCZoneIdentifier = awsv2.String(subnets)
	}
	if template := desired.Field(engine.FieldLaunchTemplate); template != "" {
		input.LaunchTemplate = &astypes.LaunchTemplateSpecification{
			LaunchTemplateName: awsv2.String(template),
			Version:            awsv2.String("$Default"),
		}
	}
	_, err = h.client.UpdateAutoScalingGroup(ctx, input)
	return classifyScaling(fmt.Sprintf("update scaling group %q", desired.Key.Name), err)
}

// Drain zeroes the group's capacity so the instances terminate; the caller
// polls Describe until the instance count reaches zero.
func (h *ScalingGroupHandler) Drain(ctx context.Context, name string) error {
	_, err := h.client.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: awsv2.String(name),
		MinSize:              awsv2.Int32(0),
		DesiredCapacity:      awsv2.Int32(0),
	})
	if err != nil {
		if err = classifyScaling(fmt.Sprintf("drain scaling group %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *ScalingGroupHandler) Delete(ctx context.Context, name string) error {
	_, err := h.client.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
		AutoScalingGroupName: awsv2.String(name),
		ForceDelete:          awsv2.Bool(true),
	})
	if err != nil {
		if err = classifyScaling(fmt.Sprintf("delete scaling group %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *ScalingGroupHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var token *string
	for {
		out, err := h.client.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: token})
		if err != nil {
			return nil, classifyScaling("list scaling groups", err)
		}
		for _, g := range out.AutoScalingGroups {
			name := awsv2.ToString(g.AutoScalingGroupName)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:        engine.NodeKey{Kind: engine.KindScalingGroup, Name: name},
				ProviderID: awsv2.ToString(g.AutoScalingGroupARN),
				Fields: map[string]string{
					engine.FieldInstanceCount: strconv.Itoa(len(g.Instances)),
				},
			})
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	return states, nil
}

func (h *ScalingGroupHandler) get(ctx context.Context, name string) (*astypes.AutoScalingGroup, error) {
	out, err := h.client.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		err = classifyScaling(fmt.Sprintf("describe scaling group %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, nil
	}
	return &out.AutoScalingGroups[0], nil
}

func (h *ScalingGroupHandler) targetGroupARN(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", engine.NewConflictError("scaling group has no target group binding", nil)
	}
	out, err := h.elb.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{Names: []string{name}})
	if err != nil {
		return "", classify(fmt.Sprintf("resolve target group %q", name), err)
	}
	if len(out.TargetGroups) == 0 {
		return "", engine.NewNotFoundError(fmt.Sprintf("target group %q", name), nil)
	}
	return awsv2.ToString(out.TargetGroups[0].TargetGroupArn), nil
}

func (h *ScalingGroupHandler) targetGroupName(ctx context.Context, arns []string) (string, error) {
	if len(arns) == 0 {
		return "", nil
	}
	out, err := h.elb.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		TargetGroupArns: arns[:1],
	})
	if err != nil {
		err = classify("resolve attached target group", err)
		if engine.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if len(out.TargetGroups) == 0 {
		return "", nil
	}
	return awsv2.ToString(out.TargetGroups[0].TargetGroupName), nil
}

func capacityFields(desired engine.DesiredState) (minSize, maxSize, desiredCapacity int32, err error) {
	parse := func(field string) (int32, error) {
		v, err := strconv.Atoi(desired.Field(field))
		if err != nil {
			return 0, engine.NewConflictError(fmt.Sprintf("scaling group %q has non-numeric %s", desired.Key.Name, field), err)
		}
		return int32(v), nil
	}
	if minSize, err = parse(engine.FieldMinSize); err != nil {
		return 0, 0, 0, err
	}
	if maxSize, err = parse(engine.FieldMaxSize); err != nil {
		return 0, 0, 0, err
	}
	if desiredCapacity, err = parse(engine.FieldDesiredCapacity); err != nil {
		return 0, 0, 0, err
	}
	return minSize, maxSize, desiredCapacity, nil
}

// classifyScaling wraps classify with the Auto Scaling quirk that absence
// surfaces as a ValidationError naming the group.
func classifyScaling(op string, err error) error {
	if err == nil {
		return nil
	}
	classified := classify(op, err)
	if engine.IsTransient(classified) && strings.Contains(err.Error(), "not found") {
		return engine.NewNotFoundError(op, err)
	}
	return classified
}

var (
	_ engine.Handler = (*ScalingGroupHandler)(nil)
	_ engine.Drainer = (*ScalingGroupHandler)(nil)
)
