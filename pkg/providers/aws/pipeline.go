package aws

import (
	"context"
	"fmt"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// CodePipelineClient is the slice of the CodePipeline API the pipeline
// handler uses.
type CodePipelineClient interface {
	GetPipeline(ctx context.Context, params *codepipeline.GetPipelineInput, optFns ...func(*codepipeline.Options)) (*codepipeline.GetPipelineOutput, error)
	CreatePipeline(ctx context.Context, params *codepipeline.CreatePipelineInput, optFns ...func(*codepipeline.Options)) (*codepipeline.CreatePipelineOutput, error)
	UpdatePipeline(ctx context.Context, params *codepipeline.UpdatePipelineInput, optFns ...func(*codepipeline.Options)) (*codepipeline.UpdatePipelineOutput, error)
	DeletePipeline(ctx context.Context, params *codepipeline.DeletePipelineInput, optFns ...func(*codepipeline.Options)) (*codepipeline.DeletePipelineOutput, error)
	ListPipelines(ctx context.Context, params *codepipeline.ListPipelinesInput, optFns ...func(*codepipeline.Options)) (*codepipeline.ListPipelinesOutput, error)
}

// PipelineHandler manages one three-stage pipeline per branch: source from
// the project repository, build through the branch's build project, deploy
// through the environment's deployment group.
type PipelineHandler struct {
	client  CodePipelineClient
	iam     roleARNResolver
	project string
	app     string
}

// NewPipelineHandler creates a handler bound to the project's repository and
// deployment application.
func NewPipelineHandler(client CodePipelineClient, iamClient roleARNResolver, project string) *PipelineHandler {
	return &PipelineHandler{
		client:  client,
		iam:     iamClient,
		project: project,
		app:     engine.Name(project, engine.KindDeploymentApplication, "", ""),
	}
}

func (h *PipelineHandler) Kind() engine.ResourceKind { return engine.KindPipeline }

func (h *PipelineHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.GetPipeline(ctx, &codepipeline.GetPipelineInput{Name: awsv2.String(name)})
	if err != nil {
		err = classify(fmt.Sprintf("describe pipeline %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	decl := out.Pipeline

	fields := map[string]string{}
	if decl.ArtifactStore != nil {
		fields[engine.FieldArtifactBucket] = awsv2.ToString(decl.ArtifactStore.Location)
	}
	if arn := awsv2.ToString(decl.RoleArn); arn != "" {
		fields[engine.FieldRole] = roleNameFromARN(arn)
	}
	for _, stage := range decl.Stages {
		for _, action := range stage.Actions {
			if action.ActionTypeId == nil {
				continue
			}
			cfg := action.Configuration
			switch awsv2.ToString(action.ActionTypeId.Provider) {
			case "CodeCommit":
				fields[engine.FieldBranch] = cfg["BranchName"]
			case "CodeBuild":
				fields[engine.FieldBuildProject] = cfg["ProjectName"]
			case "CodeDeploy":
				fields[engine.FieldApplication] = cfg["ApplicationName"]
				fields[engine.FieldDeploymentGroup] = cfg["DeploymentGroupName"]
			}
		}
	}

	var providerID string
	if out.Metadata != nil {
		providerID = awsv2.ToString(out.Metadata.PipelineArn)
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindPipeline, Name: name},
		ProviderID: providerID,
		Fields:     fields,
	}, nil
}

func (h *PipelineHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	decl, err := h.declaration(ctx, desired)
	if err != nil {
		return "", err
	}
	out, err := h.client.CreatePipeline(ctx, &codepipeline.CreatePipelineInput{Pipeline: decl})
	if err != nil {
		return "", classify(fmt.Sprintf("create pipeline %q", desired.Key.Name), err)
	}
	if out.Pipeline != nil {
		return awsv2.ToString(out.Pipeline.Name), nil
	}
	return desired.Key.Name, nil
}

func (h *PipelineHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	decl, err := h.declaration(ctx, desired)
	if err != nil {
		return err
	}
	_, err = h.client.UpdatePipeline(ctx, &codepipeline.UpdatePipelineInput{Pipeline: decl})
	return classify(fmt.Sprintf("update pipeline %q", desired.Key.Name), err)
}

func (h *PipelineHandler) Delete(ctx context.Context, name string) error {
	_, err := h.client.DeletePipeline(ctx, &codepipeline.DeletePipelineInput{Name: awsv2.String(name)})
	if err != nil {
		if err = classify(fmt.Sprintf("delete pipeline %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *PipelineHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var token *string
	for {
		out, err := h.client.ListPipelines(ctx, &codepipeline.ListPipelinesInput{NextToken: token})
		if err != nil {
			return nil, classify("list pipelines", err)
		}
		for _, p := range out.Pipelines {
			name := awsv2.ToString(p.Name)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:    engine.NodeKey{Kind: engine.KindPipeline, Name: name},
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

// declaration builds the full pipeline structure; update replaces the whole
// declaration, so create and update share it.
func (h *PipelineHandler) declaration(ctx context.Context, desired engine.DesiredState) (*cptypes.PipelineDeclaration, error) {
	roleARN, err := resolveRoleARN(ctx, h.iam, desired.Field(engine.FieldRole))
	if err != nil {
		return nil, err
	}
	return &cptypes.PipelineDeclaration{
		Name:    awsv2.String(desired.Key.Name),
		RoleArn: awsv2.String(roleARN),
		ArtifactStore: &cptypes.ArtifactStore{
			Type:     cptypes.ArtifactStoreTypeS3,
			Location: awsv2.String(desired.Field(engine.FieldArtifactBucket)),
		},
		Stages: []cptypes.StageDeclaration{
			{
				Name: awsv2.String("Source"),
				Actions: []cptypes.ActionDeclaration{{
					Name: awsv2.String("Source"),
					ActionTypeId: &cptypes.ActionTypeId{
						Category: cptypes.ActionCategorySource,
						Owner:    cptypes.ActionOwnerAws,
						Provider: awsv2.String("CodeCommit"),
						Version:  awsv2.String("1"),
					},
					Configuration: map[string]string{
						"RepositoryName": h.project,
						"BranchName":     desired.Field(engine.FieldBranch),
					},
					OutputArtifacts: []cptypes.OutputArtifact{{Name: awsv2.String("source")}},
				}},
			},
			{
				Name: awsv2.String("Build"),
				Actions: []cptypes.ActionDeclaration{{
					Name: awsv2.String("Build"),
					ActionTypeId: &cptypes.ActionTypeId{
						Category: cptypes.ActionCategoryBuild,
						Owner:    cptypes.ActionOwnerAws,
						Provider: awsv2.String("CodeBuild"),
						Version:  awsv2.String("1"),
					},
					Configuration: map[string]string{
						"ProjectName": desired.Field(engine.FieldBuildProject),
					},
					InputArtifacts:  []cptypes.InputArtifact{{Name: awsv2.String("source")}},
					OutputArtifacts: []cptypes.OutputArtifact{{Name: awsv2.String("build")}},
				}},
			},
			{
				Name: awsv2.String("Deploy"),
				Actions: []cptypes.ActionDeclaration{{
					Name: awsv2.String("Deploy"),
					ActionTypeId: &cptypes.ActionTypeId{
						Category: cptypes.ActionCategoryDeploy,
						Owner:    cptypes.ActionOwnerAws,
						Provider: awsv2.String("CodeDeploy"),
						Version:  awsv2.String("1"),
					},
					Configuration: map[string]string{
						"ApplicationName":     desired.Field(engine.FieldApplication),
						"DeploymentGroupName": desired.Field(engine.FieldDeploymentGroup),
					},
					InputArtifacts: []cptypes.InputArtifact{{Name: awsv2.String("build")}},
				}},
			},
		},
	}, nil
}

var _ engine.Handler = (*PipelineHandler)(nil)
