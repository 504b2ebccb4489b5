package main

import (
	"errors"

	"github.com/e7canasta/camgrab"
)

// Exit codes.
const (
	exitOK      = 0
	exitRuntime = 1 // device error or runtime failure
	exitUsage   = 2 // configuration or usage error
)

// usageError marks command line mistakes.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitCode maps the terminal error of a command to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) || errors.Is(err, camgrab.ErrInvalidConfiguration) {
		return exitUsage
	}
	return exitRuntime
}
