package compile

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mblsha/crateforge/internal/diagnostics"
)

type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindBodyRead            Kind = "body_read_error"
	KindPayloadTooLarge     Kind = "payload_too_large"
	KindArchiveExtraction   Kind = "archive_extraction_error"
	KindWorkspaceAllocation Kind = "workspace_allocation_error"
	KindToolchainLaunch     Kind = "toolchain_launch_error"
	KindToolchainTimeout    Kind = "toolchain_timeout"
	KindBuildFailure        Kind = "build_failure"
	KindArtifactNotFound    Kind = "artifact_not_found"
	KindArtifactRead        Kind = "artifact_read_error"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

// Status is the HTTP status a failure of this kind is reported with.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest, KindBodyRead, KindArchiveExtraction:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single failure type of the compile pipeline.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Set for KindBuildFailure only.
	Stderr      string
	ExitCode    int
	Diagnostics *diagnostics.Report
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Body is the plain-text response body for the failure. Build failures
// carry the toolchain's stderr verbatim.
func (e *Error) Body() string {
	if e.Kind == KindBuildFailure {
		if e.Stderr != "" {
			return e.Stderr
		}
		return fmt.Sprintf("build failed with exit code %d\n", e.ExitCode)
	}
	if e.Err == nil {
		return e.Message + "\n"
	}
	return fmt.Sprintf("%s: %v\n", e.Message, e.Err)
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// AsError converts any error into an *Error so the server boundary has one
// shape to render.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}
