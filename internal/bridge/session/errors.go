package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted        = errors.New("session not started")
	ErrClosed            = errors.New("session closed")
	ErrNoChallenge       = errors.New("no blocked request with that id")
	ErrChallengeRetries  = errors.New("challenge retry limit reached")
	ErrChallengeRejected = errors.New("challenge dismissed")
)

// ScriptError is a failure raised by module code: an uncaught exception, an
// interrupted callback or an explicit error message.
type ScriptError struct {
	Message string
	Stack   string
	Err     error
}

func (e *ScriptError) Error() string {
	if e.Message == "" {
		return "module reported an error"
	}
	return fmt.Sprintf("module error: %s", e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Err }
