package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Idle State = iota
	Opening
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrEmptyCourseName = errors.New("course name is empty")
	ErrInvalidState    = errors.New("invalid session state")
	ErrClosed          = errors.New("session closed")
	ErrNoSession       = errors.New("no session running")
)

// RadioStartError reports a radio that could not be (re)started within the
// retry budget.
type RadioStartError struct {
	Radio    string
	Attempts int
	Err      error
}

func (e *RadioStartError) Error() string {
	return fmt.Sprintf("starting %s failed after %d attempts: %v", e.Radio, e.Attempts, e.Err)
}

func (e *RadioStartError) Unwrap() error { return e.Err }
