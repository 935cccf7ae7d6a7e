package dedup

import (
	"time"

	"github.com/kabili207/rollcall/pkg/models"
)

// Reason explains a decision.
type Reason int

const (
	None Reason = iota
	Malformed
	SessionMismatch
	WeakSignal
	SessionClosed
	OriginConflict
	AlreadyRecorded
	ConcurrentInFlight
	WithinThrottleWindow
	AttemptsExhausted
	ProfileLookupFailed
	PersistenceWriteFailed
)

var reasonNames = map[Reason]string{
	None:                   "accepted",
	Malformed:              "malformed",
	SessionMismatch:        "session_mismatch",
	WeakSignal:             "weak_signal",
	SessionClosed:          "session_closed",
	OriginConflict:         "origin_conflict",
	AlreadyRecorded:        "already_recorded",
	ConcurrentInFlight:     "concurrent_in_flight",
	WithinThrottleWindow:   "within_throttle_window",
	AttemptsExhausted:      "attempts_exhausted",
	ProfileLookupFailed:    "profile_lookup_failed",
	PersistenceWriteFailed: "persistence_write_failed",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Retryable reports whether a later sighting may still be accepted.
func (r Reason) Retryable() bool {
	return r == ProfileLookupFailed || r == PersistenceWriteFailed
}

// Outcome is the decision for one sighting.
type Outcome struct {
	Subject  string
	Origin   string
	Accepted bool
	Reason   Reason
	// Record is set when the sighting was accepted.
	Record *models.AttendanceRecord
	// Err carries the gateway error behind a failed attempt.
	Err error
	// Attempt is the subject's attempt count after the decision.
	Attempt int
}

func accepted(s Sighting, rec *models.AttendanceRecord, attempt int) Outcome {
	return Outcome{Subject: s.Packet.SubjectID, Origin: s.Origin, Accepted: true, Record: rec, Attempt: attempt}
}

func rejected(s Sighting, r Reason) Outcome {
	return Outcome{Subject: s.Packet.SubjectID, Origin: s.Origin, Reason: r}
}

// State is the per-subject lifecycle within one session.
type State int

const (
	Unseen State = iota
	InFlight
	Recorded
	PermanentlyRejected
)

func (s State) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Recorded:
		return "recorded"
	case PermanentlyRejected:
		return "permanently_rejected"
	default:
		return "unseen"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the in-memory processing status of one subject. It is a
// throttle and cache only; durable storage decides what was recorded.
type Status struct {
	LastAttempt   time.Time `json:"last_attempt"`
	InFlight      bool      `json:"in_flight"`
	RecordedToday bool      `json:"recorded_today"`
	LastAccepted  time.Time `json:"last_accepted"`
	Attempts      int       `json:"attempts"`
	Origin        string    `json:"origin,omitempty"`
}

// State derives the lifecycle state given the attempt cap.
func (s Status) State(maxAttempts int) State {
	switch {
	case s.RecordedToday:
		return Recorded
	case s.InFlight:
		return InFlight
	case s.Attempts >= maxAttempts:
		return PermanentlyRejected
	default:
		return Unseen
	}
}
