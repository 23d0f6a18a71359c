package aws

import (
	"context"
	"fmt"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codedeploy"
	cdtypes "github.com/aws/aws-sdk-go-v2/service/codedeploy/types"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// CodeDeployClient is the slice of the CodeDeploy API the application and
// deployment group handlers use.
type CodeDeployClient interface {
	GetApplication(ctx context.Context, params *codedeploy.GetApplicationInput, optFns ...func(*codedeploy.Options)) (*codedeploy.GetApplicationOutput, error)
	CreateApplication(ctx context.Context, params *codedeploy.CreateApplicationInput, optFns ...func(*codedeploy.Options)) (*codedeploy.CreateApplicationOutput, error)
	DeleteApplication(ctx context.Context, params *codedeploy.DeleteApplicationInput, optFns ...func(*codedeploy.Options)) (*codedeploy.DeleteApplicationOutput, error)
	ListApplications(ctx context.Context, params *codedeploy.ListApplicationsInput, optFns ...func(*codedeploy.Options)) (*codedeploy.ListApplicationsOutput, error)
	GetDeploymentGroup(ctx context.Context, params *codedeploy.GetDeploymentGroupInput, optFns ...func(*codedeploy.Options)) (*codedeploy.GetDeploymentGroupOutput, error)
	CreateDeploymentGroup(ctx context.Context, params *codedeploy.CreateDeploymentGroupInput, optFns ...func(*codedeploy.Options)) (*codedeploy.CreateDeploymentGroupOutput, error)
	UpdateDeploymentGroup(ctx context.Context, params *codedeploy.UpdateDeploymentGroupInput, optFns ...func(*codedeploy.Options)) (*codedeploy.UpdateDeploymentGroupOutput, error)
	DeleteDeploymentGroup(ctx context.Context, params *codedeploy.DeleteDeploymentGroupInput, optFns ...func(*codedeploy.Options)) (*codedeploy.DeleteDeploymentGroupOutput, error)
	ListDeploymentGroups(ctx context.Context, params *codedeploy.ListDeploymentGroupsInput, optFns ...func(*codedeploy.Options)) (*codedeploy.ListDeploymentGroupsOutput, error)
}

// ApplicationHandler manages the single deployment application. The compute
// platform is fixed at creation; a platform change is a conflict upstream.
type ApplicationHandler struct {
	client CodeDeployClient
}

// NewApplicationHandler creates a handler over the CodeDeploy client.
func NewApplicationHandler(client CodeDeployClient) *ApplicationHandler {
	return &ApplicationHandler{client: client}
}

func (h *ApplicationHandler) Kind() engine.ResourceKind { return engine.KindDeploymentApplication }

func (h *ApplicationHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.GetApplication(ctx, &codedeploy.GetApplicationInput{
		ApplicationName: awsv2.String(name),
	})
	if err != nil {
		err = classify(fmt.Sprintf("describe application %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindDeploymentApplication, Name: name},
		ProviderID: awsv2.ToString(out.Application.ApplicationId),
		Fields: map[string]string{
			engine.FieldPlatform: string(out.Application.ComputePlatform),
		},
	}, nil
}

func (h *ApplicationHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	out, err := h.client.CreateApplication(ctx, &codedeploy.CreateApplicationInput{
		ApplicationName: awsv2.String(desired.Key.Name),
		ComputePlatform: cdtypes.ComputePlatform(desired.Field(engine.FieldPlatform)),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create application %q", desired.Key.Name), err)
	}
	return awsv2.ToString(out.ApplicationId), nil
}

func (h *ApplicationHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	// The platform is the only managed attribute and it is immutable.
	return nil
}

func (h *ApplicationHandler) Delete(ctx context.Context, name string) error {
	_, err := h.client.DeleteApplication(ctx, &codedeploy.DeleteApplicationInput{
		ApplicationName: awsv2.String(name),
	})
	if err != nil {
		if err = classify(fmt.Sprintf("delete application %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *ApplicationHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var token *string
	for {
		out, err := h.client.ListApplications(ctx, &codedeploy.ListApplicationsInput{NextToken: token})
		if err != nil {
			return nil, classify("list applications", err)
		}
		for _, name := range out.Applications {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:    engine.NodeKey{Kind: engine.KindDeploymentApplication, Name: name},
				Fields: map[string]string{},
			})
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	return states, nil
}

// DeploymentGroupHandler manages one deployment group per environment under
// the project's application. Deployment groups are name-scoped to their
// application, so the handler carries the project to derive it.
type DeploymentGroupHandler struct {
	client CodeDeployClient
	iam    roleARNResolver
	app    string
}

// NewDeploymentGroupHandler creates a handler bound to the project's
// deployment application.
func NewDeploymentGroupHandler(client CodeDeployClient, iamClient roleARNResolver, project string) *DeploymentGroupHandler {
	return &DeploymentGroupHandler{
		client: client,
		iam:    iamClient,
		app:    engine.Name(project, engine.KindDeploymentApplication, "", ""),
	}
}

func (h *DeploymentGroupHandler) Kind() engine.ResourceKind { return engine.KindDeploymentGroup }

func (h *DeploymentGroupHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.GetDeploymentGroup(ctx, &codedeploy.GetDeploymentGroupInput{
		ApplicationName:     awsv2.String(h.app),
		DeploymentGroupName: awsv2.String(name),
	})
	if err != nil {
		err = classify(fmt.Sprintf("describe deployment group %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	info := out.DeploymentGroupInfo
	fields := map[string]string{
		engine.FieldPlatform:    string(info.ComputePlatform),
		engine.FieldApplication: awsv2.ToString(info.ApplicationName),
	}
	if len(info.AutoScalingGroups) > 0 {
		fields[engine.FieldScalingGroup] = awsv2.ToString(info.AutoScalingGroups[0].Name)
	}
	if arn := awsv2.ToString(info.ServiceRoleArn); arn != "" {
		fields[engine.FieldRole] = roleNameFromARN(arn)
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindDeploymentGroup, Name: name},
		ProviderID: awsv2.ToString(info.DeploymentGroupId),
		Fields:     fields,
	}, nil
}

func (h *DeploymentGroupHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	roleARN, err := resolveRoleARN(ctx, h.iam, desired.Field(engine.FieldRole))
	if err != nil {
		return "", err
	}
	out, err := h.client.CreateDeploymentGroup(ctx, &codedeploy.CreateDeploymentGroupInput{
		ApplicationName:     awsv2.String(h.app),
		DeploymentGroupName: awsv2.String(desired.Key.Name),
		ServiceRoleArn:      awsv2.String(roleARN),
		AutoScalingGroups:   []string{desired.Field(engine.FieldScalingGroup)},
		DeploymentConfigName: awsv2.String("CodeDeployDefault.OneAtATime"),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create deployment group %q", desired.Key.Name), err)
	}
	return awsv2.ToString(out.DeploymentGroupId), nil
}

func (h *DeploymentGroupHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	input := &codedeploy.UpdateDeploymentGroupInput{
		ApplicationName:            awsv2.String(h.app),
		CurrentDeploymentGroupName: awsv2.String(desired.Key.Name),
		AutoScalingGroups:          []string{desired.Field(engine.FieldScalingGroup)},
	}
	if role := desired.Field(engine.FieldRole); role != observed.Field(engine.FieldRole) {
		roleARN, err := resolveRoleARN(ctx, h.iam, role)
		if err != nil {
			return err
		}
		input.ServiceRoleArn = awsv2.String(roleARN)
	}
	_, err := h.client.UpdateDeploymentGroup(ctx, input)
	return classify(fmt.Sprintf("update deployment group %q", desired.Key.Name), err)
}

func (h *DeploymentGroupHandler) Delete(ctx context.Context, name string) error {
	_, err := h.client.DeleteDeploymentGroup(ctx, &codedeploy.DeleteDeploymentGroupInput{
		ApplicationName:     awsv2.String(h.app),
		DeploymentGroupName: awsv2.String(name),
	})
	if err != nil {
		if err = classify(fmt.Sprintf("delete deployment group %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *DeploymentGroupHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var token *string
	for {
		out, err := h.client.ListDeploymentGroups(ctx, &codedeploy.ListDeploymentGroupsInput{
			ApplicationName: awsv2.String(h.app),
			NextToken:       token,
		})
		if err != nil {
			err = classify("list deployment groups", err)
			// No application means no groups.
			if engine.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, name := range out.DeploymentGroups {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:    engine.NodeKey{Kind: engine.KindDeploymentGroup, Name: name},
				Fields: map[string]string{},
			})
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	return states, nil
}

// roleNameFromARN extracts the role name from an IAM role ARN so observed
// state compares against the name the topology binds.
func roleNameFromARN(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

var (
	_ engine.Handler = (*ApplicationHandler)(nil)
	_ engine.Handler = (*DeploymentGroupHandler)(nil)
)
