package aws

import (
	"context"
	"fmt"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// EC2Client is the slice of the EC2 API the launch template handler uses.
type EC2Client interface {
	DescribeLaunchTemplates(ctx context.Context, params *ec2.DescribeLaunchTemplatesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error)
	DescribeLaunchTemplateVersions(ctx context.Context, params *ec2.DescribeLaunchTemplateVersionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error)
	CreateLaunchTemplate(ctx context.Context, params *ec2.CreateLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error)
	CreateLaunchTemplateVersion(ctx context.Context, params *ec2.CreateLaunchTemplateVersionInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateVersionOutput, error)
	ModifyLaunchTemplate(ctx context.Context, params *ec2.ModifyLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.ModifyLaunchTemplateOutput, error)
	DeleteLaunchTemplate(ctx context.Context, params *ec2.DeleteLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error)
}

// LaunchTemplateHandler manages the single launch template shared by every
// scaling group. Updates create a new version and move the default pointer;
// instances refresh on the next scale event.
type LaunchTemplateHandler struct {
	client EC2Client
}

// NewLaunchTemplateHandler creates a handler over the EC2 client.
func NewLaunchTemplateHandler(client EC2Client) *LaunchTemplateHandler {
	return &LaunchTemplateHandler{client: client}
}

func (h *LaunchTemplateHandler) Kind() engine.ResourceKind { return engine.KindLaunchTemplate }

func (h *LaunchTemplateHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	out, err := h.client.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	if err != nil {
		err = classify(fmt.Sprintf("describe launch template %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.LaunchTemplates) == 0 {
		return nil, nil
	}
	template := out.LaunchTemplates[0]

	versions, err := h.client.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
		LaunchTemplateId: template.LaunchTemplateId,
		Versions:         []string{"$Default"},
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("describe launch template %q default version", name), err)
	}

	fields := map[string]string{}
	if len(versions.LaunchTemplateVersions) > 0 && versions.LaunchTemplateVersions[0].LaunchTemplateData != nil {
		data := versions.LaunchTemplateVersions[0].LaunchTemplateData
		fields[engine.FieldInstanceType] = string(data.InstanceType)
		fields[engine.FieldImageID] = awsv2.ToString(data.ImageId)
		if data.IamInstanceProfile != nil {
			fields[engine.FieldInstanceProfile] = awsv2.ToString(data.IamInstanceProfile.Name)
		}
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindLaunchTemplate, Name: name},
		ProviderID: awsv2.ToString(template.LaunchTemplateId),
		Fields:     fields,
	}, nil
}

func (h *LaunchTemplateHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	out, err := h.client.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: awsv2.String(desired.Key.Name),
		LaunchTemplateData: templateData(desired),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("create launch template %q", desired.Key.Name), err)
	}
	return awsv2.ToString(out.LaunchTemplate.LaunchTemplateId), nil
}

func (h *LaunchTemplateHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	version, err := h.client.CreateLaunchTemplateVersion(ctx, &ec2.CreateLaunchTemplateVersionInput{
		LaunchTemplateName: awsv2.String(desired.Key.Name),
		LaunchTemplateData: templateData(desired),
	})
	if err != nil {
		return classify(fmt.Sprintf("create launch template %q version", desired.Key.Name), err)
	}
	number := fmt.Sprintf("%d", awsv2.ToInt64(version.LaunchTemplateVersion.VersionNumber))
	_, err = h.client.ModifyLaunchTemplate(ctx, &ec2.ModifyLaunchTemplateInput{
		LaunchTemplateName: awsv2.String(desired.Key.Name),
		DefaultVersion:     awsv2.String(number),
	})
	if err != nil {
		return classify(fmt.Sprintf("set launch template %q default version", desired.Key.Name), err)
	}
	return nil
}

func (h *LaunchTemplateHandler) Delete(ctx context.Context, name string) error {
	_, err := h.client.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{
		LaunchTemplateName: awsv2.String(name),
	})
	if err != nil {
		if err = classify(fmt.Sprintf("delete launch template %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *LaunchTemplateHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	var states []engine.ObservedState
	var token *string
	for {
		out, err := h.client.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{NextToken: token})
		if err != nil {
			return nil, classify("list launch templates", err)
		}
		for _, t := range out.LaunchTemplates {
			name := awsv2.ToString(t.LaunchTemplateName)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			states = append(states, engine.ObservedState{
				Key:        engine.NodeKey{Kind: engine.KindLaunchTemplate, Name: name},
				ProviderID: awsv2.ToString(t.LaunchTemplateId),
				Fields:     map[string]string{},
			})
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	return states, nil
}

func templateData(desired engine.DesiredState) *ec2types.RequestLaunchTemplateData {
	data := &ec2types.RequestLaunchTemplateData{
		InstanceType: ec2types.InstanceType(desired.Field(engine.FieldInstanceType)),
		ImageId:      awsv2.String(desired.Field(engine.FieldImageID)),
	}
	if profile := desired.Field(engine.FieldInstanceProfile); profile != "" {
		data.IamInstanceProfile = &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Name: awsv2.String(profile),
		}
	}
	return data
}

var _ engine.Handler = (*LaunchTemplateHandler)(nil)
