package session

import (
	"errors"
	"fmt"

	"github.com/flowpbx/webphone/internal/engine"
)

// Errors reported for caller mistakes and stale references.
var (
	ErrInvalidDTMF     = errors.New("dtmf must be exactly one of 0-9, * or #")
	ErrNoServer        = errors.New("attempt to register account with no server host set")
	ErrNoDestination   = errors.New("no destination given")
	ErrBadDestination  = errors.New("destination contains control characters")
	ErrAccountGone     = errors.New("account no longer exists")
	ErrNotRegistered   = errors.New("account has not been added to the engine")
	ErrCallEnded       = errors.New("call has ended")
	ErrCallInProgress  = errors.New("call already placed")
	ErrAlreadyRinging  = errors.New("account already has a ringing call")
	ErrInvalidCall     = errors.New("invalid call")
	ErrManagerClosed   = errors.New("session manager closed")
	ErrAccountNotFound = errors.New("account not found")
	ErrCallNotFound    = errors.New("call not found")
)

// EngineError is an engine rejection of a request.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Status returns the SIP status carried by the rejection, or 0.
func (e *EngineError) Status() (int, string) {
	var se *engine.StatusError
	if errors.As(e.Err, &se) {
		return se.Code, se.Text
	}
	return 0, ""
}

func engineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}
