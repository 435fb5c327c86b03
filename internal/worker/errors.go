package worker

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ClientError is a worker-channel failure seen by the parent: timeout,
// broken pipe, failed spawn, bad handshake. The client restarts the worker
// and retries exactly once on this kind.
type ClientError struct {
	Msg string
	Err error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// IsClientError reports whether err is a worker-channel failure.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// CommandError is an error response the worker returned for one call. The
// message is the primary signal; stage and trace are supporting detail.
type CommandError struct {
	Code        string
	Message     string
	Stage       string
	Trace       string
	Diagnostics []Diagnostic
}

func (e *CommandError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s, stage %s)", e.Message, e.Code, e.Stage)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// ValidationError marks bad caller input inside the worker runtime. It maps
// to validation_error on the wire and never kills the serve loop.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StageError marks a failure of a named runtime stage, e.g. starting the
// inference server. The stack is captured at construction so the parent can
// render it as supporting detail.
type StageError struct {
	Stage string
	Msg   string
	Trace string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Msg }

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err as a failure of stage.
func NewStageError(stage string, err error) *StageError {
	return &StageError{
		Stage: stage,
		Msg:   err.Error(),
		Trace: string(debug.Stack()),
		Err:   err,
	}
}
