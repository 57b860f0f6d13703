// Package failure defines the error taxonomy shared by the deployment
// pipeline and the cleanup runner.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind classifies why a stage or cleanup step failed
type Kind string

const (
	// KindDependencyMissing means a lookup the pipeline needs returned nothing
	KindDependencyMissing Kind = "DependencyMissing"
	// KindTimeout means a wait-for-ready bound was exceeded
	KindTimeout Kind = "Timeout"
	// KindExternalAPI means the underlying provider call failed
	KindExternalAPI Kind = "ExternalApiError"
	// KindCanceled means the operator aborted the run
	KindCanceled Kind = "Canceled"
	// KindInvalidPlan means the plan itself cannot be executed
	KindInvalidPlan Kind = "InvalidPlan"
)

// StageError is returned by every stage and cleanup step
type StageError struct {
	Stage      string
	Kind       Kind
	ResourceID string
	Err        error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s: %s", e.Stage, e.Kind)
	if e.ResourceID != "" {
		fmt.Fprintf(&b, " (resource %s)", e.ResourceID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// DependencyMissing builds a KindDependencyMissing error for a named dependency
func DependencyMissing(stage, dependency string) *StageError {
	return &StageError{
		Stage: stage,
		Kind:  KindDependencyMissing,
		Err:   fmt.Errorf("required value %q is empty or was not found", dependency),
	}
}

// Timeout builds a KindTimeout error carrying the resource being waited on
func Timeout(stage, resourceID string, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindTimeout, ResourceID: resourceID, Err: err}
}

// External wraps a provider error
func External(stage, resourceID string, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindExternalAPI, ResourceID: resourceID, Err: err}
}

// InvalidPlan builds a KindInvalidPlan error
func InvalidPlan(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindInvalidPlan, Err: err}
}

// Canceled builds a KindCanceled error
func Canceled(stage string, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindCanceled, Err: err}
}

// Classify converts an arbitrary error returned inside a stage into a StageError.
// Errors that already are StageErrors keep their kind; context cancellation
// becomes KindCanceled; everything else is an external API failure.
func Classify(stage string, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage != "" {
			return se
		}
		// the caller's error stays untouched
		return &StageError{Stage: stage, Kind: se.Kind, ResourceID: se.ResourceID, Err: se.Err}
	}
	if errors.Is(err, context.Canceled) {
		return Canceled(stage, err)
	}
	return External(stage, "", err)
}

// KindOf returns the kind of err, or "" when err is not a StageError
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is reports whether err is a StageError of the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// transientCodes are provider error codes worth retrying
var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"PriorRequestNotComplete":                true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"InternalError":                          true,
	"InternalFailure":                        true,
	"InternalServerError":                    true,
	"ServerException":                        true,
	"SlowDown":                               true,
	"EC2ThrottledException":                  true,
	"IncorrectState":                         true,
	"InvalidDBInstanceState":                 true,
	"IncorrectFileSystemLifeCycleState":      true,
}

// IsTransient reports whether err is worth retrying. Only external API
// failures are ever transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindDependencyMissing, KindTimeout, KindCanceled, KindInvalidPlan:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var transient interface{ Transient() bool }
	if errors.As(err, &transient) {
		return transient.Transient()
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "i/o timeout")
}
