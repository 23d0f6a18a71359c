package aws

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codedeploy"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// HandlerSet bundles one handler per resource kind, all bound to one project
// in one region. Handlers share service clients where a kind spans services
// (the scaling group resolves target group ARNs through ELBv2).
type HandlerSet struct {
	ServiceRole     *ServiceRoleHandler
	InstanceProfile *InstanceProfileHandler
	ArtifactBucket  *ArtifactBucketHandler
	LaunchTemplate  *LaunchTemplateHandler
	TargetGroup     *TargetGroupHandler
	LoadBalancer    *LoadBalancerHandler
	ScalingGroup    *ScalingGroupHandler
	Application     *ApplicationHandler
	DeploymentGroup *DeploymentGroupHandler
	BuildProject    *BuildProjectHandler
	Pipeline        *PipelineHandler
	Parameters      *ParameterStore
}

// NewHandlerSet loads the default AWS credential chain for the region and
// constructs every handler.
func NewHandlerSet(ctx context.Context, region, project string) (*HandlerSet, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}

	iamClient := iam.NewFromConfig(cfg)
	elbClient := elasticloadbalancingv2.NewFromConfig(cfg)

	return &HandlerSet{
		ServiceRole:     NewServiceRoleHandler(iamClient),
		InstanceProfile: NewInstanceProfileHandler(iamClient),
		ArtifactBucket:  NewArtifactBucketHandler(s3.NewFromConfig(cfg), region),
		LaunchTemplate:  NewLaunchTemplateHandler(ec2.NewFromConfig(cfg)),
		TargetGroup:     NewTargetGroupHandler(elbClient),
		LoadBalancer:    NewLoadBalancerHandler(elbClient),
		ScalingGroup:    NewScalingGroupHandler(autoscaling.NewFromConfig(cfg), elbClient),
		Application:     NewApplicationHandler(codedeploy.NewFromConfig(cfg)),
		DeploymentGroup: NewDeploymentGroupHandler(codedeploy.NewFromConfig(cfg), iamClient, project),
		BuildProject:    NewBuildProjectHandler(codebuild.NewFromConfig(cfg), iamClient),
		Pipeline:        NewPipelineHandler(codepipeline.NewFromConfig(cfg), iamClient, project),
		Parameters:      NewParameterStore(ssm.NewFromConfig(cfg)),
	}, nil
}

// Register adds every handler to the registry.
func (hs *HandlerSet) Register(reg *engine.Registry) error {
	handlers := []engine.Handler{
		hs.ServiceRole,
		hs.InstanceProfile,
		hs.ArtifactBucket,
		hs.LaunchTemplate,
		hs.TargetGroup,
		hs.LoadBalancer,
		hs.ScalingGroup,
		hs.Application,
		hs.DeploymentGroup,
		hs.BuildProject,
		hs.Pipeline,
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// roleARNResolver turns a role name into its ARN for the services that
// require ARNs in their create calls.
type roleARNResolver interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
}

func resolveRoleARN(ctx context.Context, client roleARNResolver, name string) (string, error) {
	out, err := client.GetRole(ctx, &iam.GetRoleInput{RoleName: &name})
	if err != nil {
		return "", classify(fmt.Sprintf("resolve role %q", name), err)
	}
	if out.Role == nil || out.Role.Arn == nil {
		return "", engine.NewNotFoundError(fmt.Sprintf("role %q has no ARN", name), nil)
	}
	return *out.Role.Arn, nil
}
