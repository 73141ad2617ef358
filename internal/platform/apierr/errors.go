// Package apierr defines the control plane's error taxonomy and maps it to
// HTTP status codes for the gateway's handlers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a taxonomy kind, not an identifier — handlers and agent retry logic
// branch on it directly.
type Code string

const (
	CodeBadSignature     Code = "auth.bad_signature"
	CodeSkew             Code = "auth.skew"
	CodeReplay           Code = "auth.replay"
	CodeCapability       Code = "auth.capability"
	CodeValidation       Code = "validation.failed"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"
	CodeResourceExhausted Code = "resource.exhausted"
	CodeSpawnFailed      Code = "subprocess.spawn_failed"
	CodeExitedNonzero    Code = "subprocess.exited_nonzero"
	CodeTransport        Code = "transport.error"
	CodeRedactorError    Code = "redactor.error"
	CodeInternal         Code = "internal"
)

// Error is the uniform error type surfaced by gateway handlers and returned
// by agent-side client calls.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func codeStatus(c Code) int {
	switch c {
	case CodeBadSignature, CodeSkew, CodeReplay:
		return http.StatusUnauthorized
	case CodeCapability:
		return http.StatusForbidden
	case CodeValidation, CodeConflict:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newErr(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, HTTPStatus: codeStatus(code), Err: err}
}

func BadSignature(msg string) *Error      { return newErr(CodeBadSignature, msg, nil) }
func Skew(msg string) *Error              { return newErr(CodeSkew, msg, nil) }
func Replay(msg string) *Error            { return newErr(CodeReplay, msg, nil) }
func CapabilityMismatch(msg string) *Error { return newErr(CodeCapability, msg, nil) }
func Validation(msg string) *Error        { return newErr(CodeValidation, msg, nil) }
func NotFound(resource, id string) *Error {
	return newErr(CodeNotFound, fmt.Sprintf("%s %q not found", resource, id), nil)
}
func Conflict(msg string) *Error           { return newErr(CodeConflict, msg, nil) }
func ResourceExhausted(msg string) *Error  { return newErr(CodeResourceExhausted, msg, nil) }
func SpawnFailed(msg string, err error) *Error {
	return newErr(CodeSpawnFailed, msg, err)
}
func ExitedNonzero(msg string) *Error { return newErr(CodeExitedNonzero, msg, nil) }
func Transport(msg string, err error) *Error {
	return newErr(CodeTransport, msg, err)
}
func RedactorError(msg string, err error) *Error {
	return newErr(CodeRedactorError, msg, err)
}
func Internal(msg string, err error) *Error { return newErr(CodeInternal, msg, err) }

// Wrap attaches the given code to an arbitrary error.
func Wrap(code Code, msg string, err error) *Error {
	return newErr(code, msg, err)
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// GetHTTPStatus returns the HTTP status for err, defaulting to 500.
func GetHTTPStatus(err error) int {
	if ae, ok := As(err); ok {
		return ae.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	ae, ok := As(err)
	return ok && ae.Code == code
}
