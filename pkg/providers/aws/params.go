package aws

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// SSMClient is the slice of the SSM API the parameter store uses.
type SSMClient interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// ParameterStore pushes resolved environment variables into the
// path-namespaced parameter hierarchy so instances and builds can read them
// at runtime. It is not a resource handler: parameters follow the descriptor
// and are overwritten on every push.
type ParameterStore struct {
	client SSMClient
}

// NewParameterStore creates a store over the SSM client.
func NewParameterStore(client SSMClient) *ParameterStore {
	return &ParameterStore{client: client}
}

// Push writes every resolved key under the project and environment path.
// Existing values are overwritten; the layered resolution already dropped
// empty values.
func (s *ParameterStore) Push(ctx context.Context, project, env string, values map[string]string, build bool) error {
	for key, value := range values {
		path := engine.ParameterPath(project, env, key, build)
		_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      awsv2.String(path),
			Value:     awsv2.String(value),
			Type:      ssmtypes.ParameterTypeString,
			Overwrite: awsv2.Bool(true),
		})
		if err != nil {
			return classify(fmt.Sprintf("put parameter %q", path), err)
		}
	}
	return nil
}

// Purge removes every parameter under the project's path prefix. Used by
// teardown after the managed resources are gone.
func (s *ParameterStore) Purge(ctx context.Context, project string) error {
	prefix := engine.ParameterRoot(project)
	var token *string
	for {
		out, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:      awsv2.String(prefix),
			Recursive: awsv2.Bool(true),
			NextToken: token,
		})
		if err != nil {
			err = classify(fmt.Sprintf("list parameters under %q", prefix), err)
			if engine.IsNotFound(err) {
				return nil
			}
			return err
		}
		for _, p := range out.Parameters {
			_, err := s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: p.Name})
			if err != nil {
				if err = classify(fmt.Sprintf("delete parameter %q", awsv2.ToString(p.Name)), err); !engine.IsNotFound(err) {
					return err
				}
			}
		}
		if out.NextToken == nil {
			return nil
		}
		token = out.NextToken
	}
}
