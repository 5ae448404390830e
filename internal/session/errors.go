package session

import (
	"errors"
	"fmt"
)

// Code is the error taxonomy surfaced at the coordinator boundary,
// transport-agnostic by design — a gateway layer maps these to HTTP
// status codes or WS close codes however it likes.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeForbidden          Code = "forbidden"
	CodeUnauthorized       Code = "unauthorized"
	CodeConflict           Code = "conflict"
	CodePreconditionFailed Code = "precondition_failed"
	CodeInvalidArgument    Code = "invalid_argument"
)

// Error wraps an internal cause with the taxonomy code a client-facing
// layer needs, mirroring the teacher's plain wrapped-sentinel style
// rather than a gRPC-style status package.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newErr(code Code, err error) *Error { return &Error{Code: code, Err: err} }

var (
	errEmptyActionText = errors.New("session: action text must not be empty")
	errEmptyContent    = errors.New("session: message content must not be empty")
)
