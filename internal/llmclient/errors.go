package llmclient

import (
	"errors"
	"strconv"
)

// ErrDefaultReasoningMode is returned at payload-build time when a model
// family that requires an explicit reasoning suffix is used in default mode.
var ErrDefaultReasoningMode = errors.New("model family requires an explicit reasoning mode (think or no_think)")

// TransportError wraps a failed HTTP exchange with the inference server.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return "inference server connection failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a connection-kind failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StatusError is a non-2xx reply from the inference server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "inference server HTTP " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// IsStatusError reports whether err is an HTTP-level rejection.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// DecodeError is malformed JSON where structured content was required. Text
// quotes the offending payload.
type DecodeError struct {
	Msg  string
	Text string
}

func (e *DecodeError) Error() string {
	if e.Text == "" {
		return e.Msg
	}
	return e.Msg + ": " + truncate(e.Text, 1000)
}

// IsDecodeError reports whether err is a hard decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
