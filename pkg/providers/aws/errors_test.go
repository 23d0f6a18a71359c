package aws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

// TestClassifyNotFound tests that each service's absence code maps to the
// not-found class.
func TestClassifyNotFound(t *testing.T) {
	codes := []string{
		"NoSuchEntity",
		"NoSuchBucket",
		"InvalidLaunchTemplateName.NotFoundException",
		"LoadBalancerNotFound",
		"TargetGroupNotFound",
		"ApplicationDoesNotExistException",
		"DeploymentGroupDoesNotExistException",
		"PipelineNotFoundException",
		"ResourceNotFoundException",
		"ParameterNotFound",
	}
	for _, code := range codes {
		err := classify("describe", apiError(code, "gone"))
		if !engine.IsNotFound(err) {
			t.Errorf("Expected %s to classify as not found, got %v", code, err)
		}
	}
}

// TestClassifyAlreadyExists tests the duplicate-create codes plus the
// message fallback for services that only signal duplicates in text.
func TestClassifyAlreadyExists(t *testing.T) {
	codes := []string{
		"EntityAlreadyExists",
		"BucketAlreadyOwnedByYou",
		"DuplicateLoadBalancerName",
		"DuplicateTargetGroupName",
		"ApplicationAlreadyExistsException",
		"PipelineNameInUseException",
	}
	for _, code := range codes {
		err := classify("create", apiError(code, "duplicate"))
		if !engine.IsAlreadyExists(err) {
			t.Errorf("Expected %s to classify as already exists, got %v", code, err)
		}
	}

	err := classify("create", apiError("ValidationError", "resource already exists in this account"))
	if !engine.IsAlreadyExists(err) {
		t.Errorf("Expected message fallback to classify as already exists, got %v", err)
	}
}

// TestClassifyDefaultsToTransient tests that unrecognized API errors and
// non-API errors abort as transient rather than being mistaken for state.
func TestClassifyDefaultsToTransient(t *testing.T) {
	for _, err := range []error{
		apiError("Throttling", "rate exceeded"),
		apiError("AccessDenied", "not authorized"),
		errors.New("dial tcp: connection refused"),
	} {
		if classified := classify("describe", err); !engine.IsTransient(classified) {
			t.Errorf("Expected %v to classify as transient, got %v", err, classified)
		}
	}
}

// TestClassifySeesThroughWrapping tests that the SDK's operation-error
// wrapping does not hide the API code.
func TestClassifySeesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("operation error IAM: GetRole, %w", apiError("NoSuchEntity", "gone"))
	if err := classify("describe", wrapped); !engine.IsNotFound(err) {
		t.Errorf("Expected wrapped not-found to classify, got %v", err)
	}
}

// TestClassifyNil tests that success passes through untouched.
func TestClassifyNil(t *testing.T) {
	if err := classify("describe", nil); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

// TestClassifyScalingNotFound tests the autoscaling quirk: absence arrives as
// a generic validation error whose message names the missing group.
func TestClassifyScalingNotFound(t *testing.T) {
	err := classifyScaling("describe", apiError("ValidationError", "AutoScalingGroup name not found"))
	if !engine.IsNotFound(err) {
		t.Errorf("Expected scaling validation error to classify as not found, got %v", err)
	}

	err = classifyScaling("update", apiError("ValidationError", "MinSize exceeds MaxSize"))
	if engine.IsNotFound(err) {
		t.Error("Expected unrelated validation error not to classify as not found")
	}
}
