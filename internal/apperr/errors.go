// Package apperr defines the error taxonomy shared by the rules engine.
// Errors carry a machine-readable Code that the RPC boundary maps to a gRPC
// status and the admin API maps to an HTTP status.
package apperr

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is reported in errdetails.ErrorInfo.
const Domain = "rules.campaign-manager"

// Code is a machine-readable error code.
type Code string

const (
	CodeInternal          Code = "INTERNAL"
	CodeValidation        Code = "VALIDATION"
	CodeInvalidExpression Code = "INVALID_EXPRESSION"
	CodeExpressionTooDeep Code = "EXPRESSION_TOO_DEEP"
	CodeInvalidCacheKey   Code = "INVALID_CACHE_KEY"
	CodeNotFound          Code = "NOT_FOUND"
	CodeCycleDetected     Code = "CYCLE_DETECTED"
	CodeTransientInfra    Code = "TRANSIENT_INFRA"
	CodeGraphUnavailable  Code = "DEPENDENCY_GRAPH_UNAVAILABLE"
	CodeCacheFull         Code = "CACHE_FULL"
	CodeTimeout           Code = "TIMEOUT"
	CodeCanceled          Code = "CANCELED"
	CodeEvaluationFailed  Code = "EVALUATION_FAILED"
)

// IsValidation reports whether the code belongs to the validation family.
func (c Code) IsValidation() bool {
	switch c {
	case CodeValidation, CodeInvalidExpression, CodeExpressionTooDeep, CodeInvalidCacheKey:
		return true
	}
	return false
}

// GRPCCode maps the code to its gRPC status code.
func (c Code) GRPCCode() codes.Code {
	if c.IsValidation() {
		return codes.InvalidArgument
	}
	switch c {
	case CodeNotFound:
		return codes.NotFound
	case CodeCycleDetected:
		return codes.FailedPrecondition
	case CodeTransientInfra, CodeGraphUnavailable:
		return codes.Unavailable
	case CodeCacheFull:
		return codes.ResourceExhausted
	case CodeTimeout:
		return codes.DeadlineExceeded
	case CodeCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the code to an HTTP status.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error type.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so package-level sentinels built with New
// can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with a code that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithMetadata attaches metadata and returns e.
func (e *Error) WithMetadata(kv ...string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Metadata[kv[i]] = kv[i+1]
	}
	return e
}

// Validation returns a validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// NotFound returns a not-found error for the given resource kind and id.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, kind+" not found").WithMetadata("kind", kind, "id", id)
}

// Transient wraps an infrastructure failure that callers may retry.
func Transient(message string, cause error) *Error {
	return Wrap(CodeTransientInfra, message, cause)
}

// CodeOf returns the code carried by err. Context errors map to Timeout and
// Canceled; anything unclassified is Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// ToStatus converts err to a gRPC status error carrying errdetails.ErrorInfo.
// Internal errors do not leak their message to the caller.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		var appErr *Error
		if !errors.As(err, &appErr) {
			return err
		}
	}

	code := CodeOf(err)
	message := err.Error()
	if code == CodeInternal {
		message = "internal error"
	}

	var metadata map[string]string
	var appErr *Error
	if errors.As(err, &appErr) {
		metadata = appErr.Metadata
	}

	st := status.New(code.GRPCCode(), message)
	detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(code),
		Domain:   Domain,
		Metadata: metadata,
	})
	if detailErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// Reason extracts the ErrorInfo reason from a gRPC status error, if present.
func Reason(err error) Code {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return Code(info.GetReason())
		}
	}
	return ""
}
