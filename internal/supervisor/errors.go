package supervisor

import "errors"

// configError signals a fatal configuration problem (missing binary or model
// artifact) detected before any process is spawned.
type configError struct{ msg string }

func (e configError) Error() string { return e.msg }

// ErrConfig constructs a configuration error.
func ErrConfig(msg string) error { return configError{msg: msg} }

// IsConfigError reports whether err is a pre-spawn configuration failure.
func IsConfigError(err error) bool {
	var ce configError
	return errors.As(err, &ce)
}

// startupError signals that the server process crashed during launch or never
// became ready within the wait budget. Output carries the captured process
// stdout/stderr tail.
type startupError struct {
	msg    string
	output string
}

func (e startupError) Error() string {
	if e.output == "" {
		return e.msg
	}
	return e.msg + "\n" + e.output
}

// ErrStartup constructs a startup error with captured process output.
func ErrStartup(msg, output string) error { return startupError{msg: msg, output: output} }

// IsStartupError reports whether err is a launch/readiness failure.
func IsStartupError(err error) bool {
	var se startupError
	return errors.As(err, &se)
}
