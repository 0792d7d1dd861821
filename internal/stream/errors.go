package stream

import (
	"errors"
	"fmt"

	"github.com/livee/overlay-service/internal/encoder"
)

var (
	// ErrDuplicateSession is returned by Run when the correlation id is
	// already registered.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrReadinessTimeout ends a session whose encoder did not report
	// readiness within the launch timeout.
	ErrReadinessTimeout = errors.New("encoder readiness timed out")

	// ErrExitedBeforeReady is returned by Run when the session ended
	// without an error before it became ready.
	ErrExitedBeforeReady = errors.New("session exited before becoming ready")

	// ErrManagerClosed is returned by Run after Shutdown.
	ErrManagerClosed = errors.New("session manager is shut down")
)

// LaunchError reports a renderer failure while starting a session.
type LaunchError struct {
	Stage string // "launch" or "navigate"
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("renderer %s failed: %v", e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// EncoderProcessError reports an encoder that could not be started or that
// terminated abnormally.
type EncoderProcessError struct {
	Outcome encoder.Outcome
	Err     error
}

func (e *EncoderProcessError) Error() string {
	return fmt.Sprintf("encoder process failed: %v", e.Err)
}

func (e *EncoderProcessError) Unwrap() error {
	return e.Err
}

// TeardownError collects the failures of releasing session resources.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("session teardown failed: %v", e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// SessionError wraps every error the manager returns with the operation and
// session it belongs to.
type SessionError struct {
	Op     string
	CorrID string
	URL    string
	Err    error
}

func (e *SessionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s session %s: %v", e.Op, e.CorrID, e.Err)
	}
	return fmt.Sprintf("%s session %s (%s): %v", e.Op, e.CorrID, e.URL, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// encoderError converts an encoder spawn or exit error into the error
// surfaced on the session exit signal.
func encoderError(err error) error {
	var exitErr *encoder.ExitError
	if errors.As(err, &exitErr) {
		return &EncoderProcessError{Outcome: exitErr.Outcome, Err: exitErr}
	}
	return &EncoderProcessError{Outcome: encoder.Outcome{Kind: encoder.Errored, Cause: err}, Err: err}
}
