package aws

import (
	"context"
	"fmt"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// S3Client is the slice of the S3 API the artifact bucket handler uses.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
}

// ArtifactBucketHandler manages the bucket that holds pipeline and build
// artifacts. Deletion empties the bucket first; the engine only calls Delete
// when the operator opted in to destroying artifacts.
type ArtifactBucketHandler struct {
	client S3Client
	region string
}

// NewArtifactBucketHandler creates a handler over the S3 client for a region.
func NewArtifactBucketHandler(client S3Client, region string) *ArtifactBucketHandler {
	return &ArtifactBucketHandler{client: client, region: region}
}

func (h *ArtifactBucketHandler) Kind() engine.ResourceKind { return engine.KindArtifactBucket }

func (h *ArtifactBucketHandler) Describe(ctx context.Context, name string) (*engine.ObservedState, error) {
	_, err := h.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: awsv2.String(name)})
	if err != nil {
		err = classify(fmt.Sprintf("describe bucket %q", name), err)
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &engine.ObservedState{
		Key:        engine.NodeKey{Kind: engine.KindArtifactBucket, Name: name},
		ProviderID: name,
		Fields:     map[string]string{},
	}, nil
}

func (h *ArtifactBucketHandler) Create(ctx context.Context, desired engine.DesiredState) (string, error) {
	input := &s3.CreateBucketInput{Bucket: awsv2.String(desired.Key.Name)}
	// us-east-1 rejects an explicit location constraint.
	if h.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(h.region),
		}
	}
	if _, err := h.client.CreateBucket(ctx, input); err != nil {
		return "", classify(fmt.Sprintf("create bucket %q", desired.Key.Name), err)
	}
	// Pipelines reference artifacts by version; versioning must be on before
	// the first artifact lands.
	_, err := h.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: awsv2.String(desired.Key.Name),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return "", classify(fmt.Sprintf("enable versioning on bucket %q", desired.Key.Name), err)
	}
	return desired.Key.Name, nil
}

func (h *ArtifactBucketHandler) Update(ctx context.Context, desired engine.DesiredState, observed engine.ObservedState) error {
	// The bucket carries no mutable managed attributes.
	return nil
}

func (h *ArtifactBucketHandler) Delete(ctx context.Context, name string) error {
	if err := h.empty(ctx, name); err != nil {
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	_, err := h.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: awsv2.String(name)})
	if err != nil {
		if err = classify(fmt.Sprintf("delete bucket %q", name), err); !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (h *ArtifactBucketHandler) List(ctx context.Context, prefix string) ([]engine.ObservedState, error) {
	out, err := h.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, classify("list buckets", err)
	}
	var states []engine.ObservedState
	for _, b := range out.Buckets {
		name := awsv2.ToString(b.Name)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		states = append(states, engine.ObservedState{
			Key:        engine.NodeKey{Kind: engine.KindArtifactBucket, Name: name},
			ProviderID: name,
			Fields:     map[string]string{},
		})
	}
	return states, nil
}

// empty deletes every object in the bucket, batch by batch.
func (h *ArtifactBucketHandler) empty(ctx context.Context, name string) error {
	for {
		objects, err := h.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: awsv2.String(name)})
		if err != nil {
			return classify(fmt.Sprintf("list objects in bucket %q", name), err)
		}
		if len(objects.Contents) == 0 {
			return nil
		}
		identifiers := make([]s3types.ObjectIdentifier, 0, len(objects.Contents))
		for _, o := range objects.Contents {
			identifiers = append(identifiers, s3types.ObjectIdentifier{Key: o.Key})
		}
		_, err = h.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: awsv2.String(name),
			Delete: &s3types.Delete{Objects: identifiers, Quiet: awsv2.Bool(true)},
		})
		if err != nil {
			return classify(fmt.Sprintf("empty bucket %q", name), err)
		}
		if !awsv2.ToBool(objects.IsTruncated) {
			return nil
		}
	}
}

var _ engine.Handler = (*ArtifactBucketHandler)(nil)
