// Package aws adapts each resource kind to its AWS service. One handler per
// kind implements the engine Handler contract over a narrow client interface,
// and every SDK error is classified explicitly: not-found is never inferred
// from empty output, and transient provider failures never masquerade as
// absence.
package aws

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// notFoundCodes are the per-service API error codes that mean the resource
// does not exist.
var notFoundCodes = map[string]struct{}{
	"NoSuchEntity":                              {},
	"NotFound":                                  {},
	"NoSuchBucket":                              {},
	"InvalidLaunchTemplateName.NotFoundException": {},
	"LoadBalancerNotFound":                      {},
	"TargetGroupNotFound":                       {},
	"ApplicationDoesNotExistException":          {},
	"DeploymentGroupDoesNotExistException":      {},
	"PipelineNotFoundException":                 {},
	"ResourceNotFoundException":                 {},
	"ParameterNotFound":                         {},
}

// alreadyExistsCodes are the per-service API error codes that mean a create
// raced an existing resource.
var alreadyExistsCodes = map[string]struct{}{
	"EntityAlreadyExists":                            {},
	"BucketAlreadyOwnedByYou":                        {},
	"BucketAlreadyExists":                            {},
	"InvalidLaunchTemplateName.AlreadyExistsException": {},
	"DuplicateLoadBalancerName":                      {},
	"DuplicateTargetGroupName":                       {},
	"AlreadyExists":                                  {},
	"AlreadyExistsFault":                             {},
	"ApplicationAlreadyExistsException":              {},
	"DeploymentGroupAlreadyExistsException":          {},
	"ResourceAlreadyExistsException":                 {},
	"PipelineNameInUseException":                     {},
	"InstanceProfileAlreadyExists":                   {},
}

// classify maps an AWS SDK error onto the engine taxonomy. Anything that is
// neither absence nor a duplicate is treated as transient: auth, throttling,
// and network failures all abort the resource's subtree without being
// mistaken for state.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := notFoundCodes[code]; ok {
			return engine.NewNotFoundError(op, err)
		}
		if _, ok := alreadyExistsCodes[code]; ok {
			return engine.NewAlreadyExistsError(op, err)
		}
		// A few services only signal duplicates in the message.
		if strings.Contains(apiErr.ErrorMessage(), "already exists") {
			return engine.NewAlreadyExistsError(op, err)
		}
	}

	return engine.NewTransientError(op, err)
}
