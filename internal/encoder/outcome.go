package encoder

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// OutcomeKind tags how an encoder process ended
type OutcomeKind int

const (
	// Exited means the process exited on its own with a code
	Exited OutcomeKind = iota + 1
	// Signaled means the process was terminated by a signal
	Signaled
	// Errored means the process could not be started or waited on
	Errored
)

func (k OutcomeKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Outcome is the result of waiting for an encoder process
type Outcome struct {
	Kind   OutcomeKind
	Code   int
	Signal syscall.Signal
	Cause  error
}

// Clean reports whether the outcome is a normal stop: exit code 0, or
// termination by SIGINT or SIGTERM
func (o Outcome) Clean() bool {
	switch o.Kind {
	case Exited:
		return o.Code == 0
	case Signaled:
		return o.Signal == syscall.SIGINT || o.Signal == syscall.SIGTERM
	default:
		return false
	}
}

// Err returns nil for a clean outcome and an *ExitError otherwise
func (o Outcome) Err() error {
	if o.Clean() {
		return nil
	}
	return &ExitError{Outcome: o}
}

func (o Outcome) String() string {
	switch o.Kind {
	case Exited:
		return fmt.Sprintf("exited with code %d", o.Code)
	case Signaled:
		return fmt.Sprintf("terminated by signal %s", o.Signal)
	case Errored:
		return fmt.Sprintf("process error: %v", o.Cause)
	default:
		return "unknown outcome"
	}
}

// ExitError reports an abnormal encoder termination
type ExitError struct {
	Outcome Outcome
}

func (e *ExitError) Error() string {
	return "abnormal encoder exit: " + e.Outcome.String()
}

func (e *ExitError) Unwrap() error {
	return e.Outcome.Cause
}

// outcomeOf classifies the error returned by exec.Cmd.Wait
func outcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Exited, Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Outcome{Kind: Signaled, Signal: status.Signal()}
		}
		return Outcome{Kind: Exited, Code: exitErr.ExitCode()}
	}

	return Outcome{Kind: Errored, Cause: err}
}
