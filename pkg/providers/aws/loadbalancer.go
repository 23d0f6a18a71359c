package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// ELBClient is the slice of the ELBv2 API the load balancing handlers use.
type ELBClient interface {
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	CreateLoadBalancer(ctx context.Context, params *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error)
	DeleteLoadBalancer(ctx context.Context, params *elbv2.DeleteLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error)
	SetSubnets(ctx context.Context, params *elbv2.SetSubnetsInput, optFns ...func(*elbv2.Options)) (*elbv2.SetSubnetsOutput, error)
	DescribeListeners(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
	CreateListener(ctx context.Context, params *elbv2.CreateListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error)
	ModifyListener(ctx context.Context, params *elbv2.ModifyListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.ModifyListenerOutput, error)
	DescribeTargetGroups(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	CreateTargetGroup(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	DeleteTargetGroup(ctx context.Context, params *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
}

// TargetGroupHandler manages one HTTP target group per environment. Target
// type and VPC are immutable; a mismatch surfaces as a conflict upstream.
type TargetGroupHandler struct {
	client ELBClient
}

// NewTargetGroupHandler creates a handler over the ELBv2 client.
func NewTargetGroupHandler(client ELBClient) *TargetGroupHandler {
	return &TargetGroupHandler{client: client}
}

func (h *TargetGroupHandler) Kind() engine.ResourceKind { return engine.KindTargetGroup }

func (h *TargetGroupHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: []string{name},
	})
	if err != nil {
		err = classify(fmt.Sprintf("describe target group %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.TargetGroups) == 0 {
		return nil, nil
	}
	tg := out.TargetGroups[0]
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindTargetGroup, Name: name},
		ProviderID: awsv2.ToString(tg.TargetGroupArn),
		Fields: map[string]string{
			engine.FieldTargetType: string(tg.TargetType),
			engine.FieldVPC:        awsv2.ToString(tg.VpcId),
		},
	}, nil
}

func (h *TargetGroupHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	out, err := h.client.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:       awsv2.String(desired.Key.Name),
		Protocol:   elbtypes.ProtocolEnumHttp,
		Port:       awsv2.Int32(80),
		VpcId:      awsv2.String(desired.Field(engine.FieldVPC)),
		TargetType: elbtypes.TargetTypeEnum(desired.Field(engine.FieldTargetType)),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create target group %q", desired.Key.Name), err)
	}
	if len(out.TargetGroups) == 0 {
		return "", engine.NewTransientError(fmt.Sprintf("create target group %q returned no result", desired.Key.Name), nil)
	}
	return awsv2.ToString(out.TargetGroups[0].TargetGroupArn), nil
}

func (h *TargetGroupHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	// Every managed attribute is immutable; nothing updates in place.
	return nil
}

func (h *TargetGroupHandler) Delete(ctx context.Context, name string) error {
	observed, err := h.Describe(ctx, name)
	if err != nil {
		return err
	}
	if observed == nil {
		return nil
	}
	_, err = h.client.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{
		TargetGroupArn: awsv2.String(observed.ProviderID),
	})
	if err != nil {
		if err = classify(fmt.Sprintf("delete target group %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *TargetGroupHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var marker *string
	for {
		out, err := h.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{Marker: marker})
		if err != nil {
			return nil, classify("list target groups", err)
		}
		for _, tg := range out.TargetGroups {
			name := awsv2.ToString(tg.TargetGroupName)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:        engine.NodeKey{Kind: engine.KindTargetGroup, Name: name},
				ProviderID: awsv2.ToString(tg.TargetGroupArn),
				Fields:     map[string]string{},
			})
		}
		if out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}
	return states, nil
}

// LoadBalancerHandler manages the application load balancer and its HTTP
// listener. The listener's default action forwards to the production target
// group; deployments shift traffic, the balancer does not.
type LoadBalancerHandler struct {
	client ELBClient
}

// NewLoadBalancerHandler creates a handler over the ELBv2 client.
func NewLoadBalancerHandler(client ELBClient) *LoadBalancerHandler {
	return &LoadBalancerHandler{client: client}
}

func (h *LoadBalancerHandler) Kind() engine.ResourceKind { return engine.KindLoadBalancer }

func (h *LoadBalancerHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{
		Names: []string{name},
	})
	if err != nil {
		err = classify(fmt.Sprintf("describe load balancer %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.LoadBalancers) == 0 {
		return nil, nil
	}
	lb := out.LoadBalancers[0]

	subnets := make([]string, 0, len(lb.AvailabilityZones))
	for _, az := range lb.AvailabilityZones {
		subnets = append(subnets, awsv2.ToString(az.SubnetId))
	}
	sort.Strings(subnets)

	fields := map[string]string{
		engine.FieldVPC:     awsv2.ToString(lb.VpcId),
		engine.FieldSubnets: strings.Join(subnets, ","),
	}
	if target, err := h.listenerTarget(ctx, awsv2.ToString(lb.LoadBalancerArn)); err != nil {
		return nil, err
	} else if target != "" {
		fields[engine.FieldTargetGroup] = target
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindLoadBalancer, Name: name},
		ProviderID: awsv2.ToString(lb.LoadBalancerArn),
		Fields:     fields,
	}, nil
}

func (h *LoadBalancerHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	out, err := h.client.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:    awsv2.String(desired.Key.Name),
		Type:    elbtypes.LoadBalancerTypeEnumApplication,
		Scheme:  elbtypes.LoadBalancerSchemeEnumInternetFacing,
		Subnets: splitList(desired.Field(engine.FieldSubnets)),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create load balancer %q", desired.Key.Name), err)
	}
	if len(out.LoadBalancers) == 0 {
		return "", engine.NewTransientError(fmt.Sprintf("create load balancer %q returned no result", desired.Key.Name), nil)
	}
	arn := awsv2.ToString(out.LoadBalancers[0].LoadBalancerArn)

	tgARN, err := h.targetGroupARN(ctx, desired.Field(engine.FieldTargetGroup))
	if err != nil {
		return "", err
	}
	_, err = h.client.CreateListener(ctx, &elbv2.CreateListenerInput{
		LoadBalancerArn: awsv2.String(arn),
		Protocol:        elbtypes.ProtocolEnumHttp,
		Port:            awsv2.Int32(80),
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: awsv2.String(tgARN),
		}},
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create listener on %q", desired.Key.Name), err)
	}
	return arn, nil
}

func (h *LoadBalancerHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	if desired.Field(engine.FieldSubnets) != observed.Field(engine.FieldSubnets) {
		_, err := h.client.SetSubnets(ctx, &elbv2.SetSubnetsInput{
			LoadBalancerArn: awsv2.String(observed.ProviderID),
			Subnets:         splitList(desired.Field(engine.FieldSubnets)),
		})
		if err != nil {
			return classify(fmt.Sprintf("set subnets on %q", desired.Key.Name), err)
		}
	}
	if desired.Field(engine.FieldTargetGroup) != observed.Field(engine.FieldTargetGroup) {
		if err := h.retargetListener(ctx, observed.ProviderID, desired.Field(engine.FieldTargetGroup)); err != nil {
			return err
		}
	}
	return nil
}

func (h *LoadBalancerHandler) Delete(ctx context.Context, name string) error {
	observed, err := h.Describe(ctx, name)
	if err != nil {
		return err
	}
	if observed == nil {
		return nil
	}
	_, err = h.client.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{
		LoadBalancerArn: awsv2.String(observed.ProviderID),
	})
	if err != nil {
		if err = classify(fmt.Sprintf("delete load balancer %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *LoadBalancerHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var marker *string
	for {
		out, err := h.client.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Marker: marker})
		if err != nil {
			return nil, classify("list load balancers", err)
		}
		for _, lb := range out.LoadBalancers {
			name := awsv2.ToString(lb.LoadBalancerName)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:        engine.NodeKey{Kind: engine.KindLoadBalancer, Name: name},
				ProviderID: awsv2.ToString(lb.LoadBalancerArn),
				Fields:     map[string]string{},
			})
		}
		if out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}
	return states, nil
}

// listenerTarget resolves the name of the target group the HTTP listener's
// default action forwards to, or "" when no listener exists yet.
func (h *LoadBalancerHandler) listenerTarget(ctx context.Context, lbARN string) (string, error) {
	listeners, err := h.client.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		LoadBalancerArn: awsv2.String(lbARN),
	})
	if err != nil {
		return "", classify("describe listeners", err)
	}
	for _, l := range listeners.Listeners {
		for _, action := range l.DefaultActions {
			if action.Type != elbtypes.ActionTypeEnumForward || action.TargetGroupArn == nil {
				continue
			}
			groups, err := h.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
				TargetGroupArns: []string{*action.TargetGroupArn},
			})
			if err != nil {
				err = classify("resolve listener target group", err)
				if engine.IsNotFound(err) {
					return "", nil
				}
				return "", err
			}
			if len(groups.TargetGroups) > 0 {
				return awsv2.ToString(groups.TargetGroups[0].TargetGroupName), nil
			}
		}
	}
	return "", nil
}

func (h *LoadBalancerHandler) retargetListener(ctx context.Context, lbARN, targetGroup string) error {
	tgARN, err := h.targetGroupARN(ctx, targetGroup)
	if err != nil {
		return err
	}
	listeners, err := h.client.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		LoadBalancerArn: awsv2.String(lbARN),
	})
	if err != nil {
		return classify("describe listeners", err)
	}
	action := []elbtypes.Action{{
		Type:           elbtypes.ActionTypeEnumForward,
		TargetGroupArn: awsv2.String(tgARN),
	}}
	if len(listeners.Listeners) == 0 {
		_, err := h.client.CreateListener(ctx, &elbv2.CreateListenerInput{
			LoadBalancerArn: awsv2.String(lbARN),
			Protocol:        elbtypes.ProtocolEnumHttp,
			Port:            awsv2.Int32(80),
			DefaultActions:  action,
		})
		return classify("create listener", err)
	}
	_, err = h.client.ModifyListener(ctx, &elbv2.ModifyListenerInput{
		ListenerArn:    listeners.Listeners[0].ListenerArn,
		DefaultActions: action,
	})
	return classify("modify listener", err)
}

func (h *LoadBalancerHandler) targetGroupARN(ctx context.Context, name string) (string, error) {
	out, err := h.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: []string{name},
	})
	if err != nil {
		return "", classify(fmt.Sprintf("resolve target group %q", name), err)
	}
	if len(out.TargetGroups) == 0 {
		return "", engine.NewNotFoundError(fmt.Sprintf("target group %q", name), nil)
	}
	return awsv2.ToString(out.TargetGroups[0].TargetGroupArn), nil
}

var (
	_ engine.Handler = (*TargetGroupHandler)(nil)
	_ engine.Handler = (*LoadBalancerHandler)(nil)
)
