package aws

import (
	"context"
	"fmt"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// CodeBuildClient is the slice of the CodeBuild API the build project handler
// uses.
type CodeBuildClient interface {
	BatchGetProjects(ctx context.Context, params *codebuild.BatchGetProjectsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetProjectsOutput, error)
	CreateProject(ctx context.Context, params *codebuild.CreateProjectInput, optFns ...func(*codebuild.Options)) (*codebuild.CreateProjectOutput, error)
	UpdateProject(ctx context.Context, params *codebuild.UpdateProjectInput, optFns ...func(*codebuild.Options)) (*codebuild.UpdateProjectOutput, error)
	DeleteProject(ctx context.Context, params *codebuild.DeleteProjectInput, optFns ...func(*codebuild.Options)) (*codebuild.DeleteProjectOutput, error)
	ListProjects(ctx context.Context, params *codebuild.ListProjectsInput, optFns ...func(*codebuild.Options)) (*codebuild.ListProjectsOutput, error)
}

// Tag keys that carry attributes the CodeBuild project model cannot express
// directly. A pipeline-sourced project has no branch of its own; the binding
// still has to round-trip through Describe for drift detection.
const (
	tagBranch         = "branch"
	tagArtifactBucket = "artifact-bucket"
)

// BuildProjectHandler manages one CodeBuild project per branch. Projects are
// pipeline-sourced: the pipeline hands them the source artifact and collects
// the build output.
type BuildProjectHandler struct {
	client CodeBuildClient
	iam    roleARNResolver
}

// NewBuildProjectHandler creates a handler over the CodeBuild client.
func NewBuildProjectHandler(client CodeBuildClient, iamClient roleARNResolver) *BuildProjectHandler {
	return &BuildProjectHandler{client: client, iam: iamClient}
}

func (h *BuildProjectHandler) Kind() engine.ResourceKind { return engine.KindBuildProject }

func (h *BuildProjectHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.BatchGetProjects(ctx, &codebuild.BatchGetProjectsInput{
		Names: []string{name},
	})
	if err != nil {
		err = classify(fmt.Sprintf("describe build project %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	// Absence is reported in-band, not as an error.
	if len(out.Projects) == 0 {
		return nil, nil
	}
	project := out.Projects[0]

	fields := map[string]string{}
	if project.Environment != nil {
		fields[engine.FieldBuildImage] = awsv2.ToString(project.Environment.Image)
		for _, v := range project.Environment.EnvironmentVariables {
			if v.Type == cbtypes.EnvironmentVariableTypePlaintext {
				fields[engine.EnvFieldPrefix+awsv2.ToString(v.Name)] = awsv2.ToString(v.Value)
			}
		}
	}
	if arn := awsv2.ToString(project.ServiceRole); arn != "" {
		fields[engine.FieldRole] = roleNameFromARN(arn)
	}
	for _, tag := range project.Tags {
		switch awsv2.ToString(tag.Key) {
		case tagBranch:
			fields[engine.FieldBranch] = awsv2.ToString(tag.Value)
		case tagArtifactBucket:
			fields[engine.FieldArtifactBucket] = awsv2.ToString(tag.Value)
		}
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindBuildProject, Name: name},
		ProviderID: awsv2.ToString(project.Arn),
		Fields:     fields,
	}, nil
}

func (h *BuildProjectHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	roleARN, err := resolveRoleARN(ctx, h.iam, desired.Field(engine.FieldRole))
	if err != nil {
		return "", err
	}
	out, err := h.client.CreateProject(ctx, &codebuild.CreateProjectInput{
		Name:        awsv2.String(desired.Key.Name),
		Source:      &cbtypes.ProjectSource{Type: cbtypes.SourceTypeCodepipeline},
		Artifacts:   &cbtypes.ProjectArtifacts{Type: cbtypes.ArtifactsTypeCodepipeline},
		Environment: buildEnvironment(desired),
		ServiceRole: awsv2.String(roleARN),
		Tags:        buildTags(desired),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create build project %q", desired.Key.Name), err)
	}
	return awsv2.ToString(out.Project.Arn), nil
}

func (h *BuildProjectHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	roleARN, err := resolveRoleARN(ctx, h.iam, desired.Field(engine.FieldRole))
	if err != nil {
		return err
	}
	_, err = h.client.UpdateProject(ctx, &codebuild.UpdateProjectInput{
		Name:        awsv2.String(desired.Key.Name),
		Source:      &cbtypes.ProjectSource{Type: cbtypes.SourceTypeCodepipeline},
		Artifacts:   &cbtypes.ProjectArtifacts{Type: cbtypes.ArtifactsTypeCodepipeline},
		Environment: buildEnvironment(desired),
		ServiceRole: awsv2.String(roleARN),
		Tags:        buildTags(desired),
	})
	return classify(fmt.Sprintf("update build project %q", desired.Key.Name), err)
}

func (h *BuildProjectHandler) Delete(ctx context.Context, name string) error {
	_, err := h.client.DeleteProject(ctx, &codebuild.DeleteProjectInput{Name: awsv2.String(name)})
	if err != nil {
		if err = classify(fmt.Sprintf("delete build project %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *BuildProjectHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var token *string
	for {
		out, err := h.client.ListProjects(ctx, &codebuild.ListProjectsInput{NextToken: token})
		if err != nil {
			return nil, classify("list build projects", err)
		}
		for _, name := range out.Projects {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:    engine.NodeKey{Kind: engine.KindBuildProject, Name: name},
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

func buildEnvironment(desired engine.DesiredState) *cbtypes.ProjectEnvironment {
	env := &cbtypes.ProjectEnvironment{
		Type:        cbtypes.EnvironmentTypeLinuxContainer,
		ComputeType: cbtypes.ComputeTypeBuildGeneral1Small,
		Image:       awsv2.String(desired.Field(engine.FieldBuildImage)),
	}
	for field, value := range desired.Fields {
		if !strings.HasPrefix(field, engine.EnvFieldPrefix) {
			continue
		}
		env.EnvironmentVariables = append(env.EnvironmentVariables, cbtypes.EnvironmentVariable{
			Name:  awsv2.String(strings.TrimPrefix(field, engine.EnvFieldPrefix)),
			Value: awsv2.String(value),
			Type:  cbtypes.EnvironmentVariableTypePlaintext,
		})
	}
	return env
}

func buildTags(desired engine.DesiredState) []cbtypes.Tag {
	return []cbtypes.Tag{
		{Key: awsv2.String(tagBranch), Value: awsv2.String(desired.Field(engine.FieldBranch))},
		{Key: awsv2.String(tagArtifactBucket), Value: awsv2.String(desired.Field(engine.FieldArtifactBucket))},
	}
}

var _ engine.Handler = (*BuildProjectHandler)(nil)
