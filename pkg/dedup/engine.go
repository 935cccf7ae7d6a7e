// Package dedup turns a noisy stream of identity beacons into at most one
// attendance record per subject and day.
package dedup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/rollcall/pkg/codec"
	"github.com/kabili207/rollcall/pkg/gateway"
	"github.com/kabili207/rollcall/pkg/metrics"
	"github.com/kabili207/rollcall/pkg/models"
)

// Gateway is the persistence the engine writes through.
type Gateway interface {
	HasRecordedToday(ctx context.Context, courseID int, subjectID, day string) (bool, error)
	ResolveProfile(ctx context.Context, subjectID string) (*models.Profile, error)
	InsertAttendanceRecord(ctx context.Context, rec *models.AttendanceRecord) error
	MirrorAttendanceRecord(ctx context.Context, session *models.Session, rec *models.AttendanceRecord) error
}

// Acknowledger sends a short success or failure reply toward origin.
type Acknowledger func(ctx context.Context, origin string, ok bool)

// Sighting is one decoded identity beacon.
type Sighting struct {
	Packet     codec.IdentityPacket
	Origin     string
	RSSI       int
	ReceivedAt time.Time
}

// Config holds the decision thresholds.
type Config struct {
	// DuplicateWindow is the minimum spacing between two admitted attempts
	// for the same subject.
	DuplicateWindow time.Duration
	// MaxAttempts caps admitted attempts per subject.
	MaxAttempts int
	// MinRSSI is the weakest accepted signal. Zero disables the floor.
	MinRSSI int
	// MirrorTimeout bounds the best-effort remote write.
	MirrorTimeout time.Duration
	// Location decides where calendar days start.
	Location *time.Location
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		DuplicateWindow: 15 * time.Second,
		MaxAttempts:     3,
		MinRSSI:         -90,
		MirrorTimeout:   5 * time.Second,
		Location:        time.Local,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithAcknowledger(a Acknowledger) Option {
	return func(e *Engine) { e.ack = a }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine decides, per active session, which sightings become attendance
// records. Admission is serialized by one mutex; persistence runs outside it.
type Engine struct {
	session *models.Session
	gw      Gateway
	cfg     Config
	log     *slog.Logger
	ack     Acknowledger
	now     func() time.Time
	metrics *metrics.Metrics

	mu     sync.Mutex
	status map[string]*Status
	closed bool
}

// New returns an engine bound to session.
func New(session *models.Session, gw Gateway, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = def.MirrorTimeout
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	e := &Engine{
		session: session,
		gw:      gw,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		status:  make(map[string]*Status),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "dedup", "session", session.ID, "course_id", session.CourseID)
	return e
}

// Session returns the session the engine decides for.
func (e *Engine) Session() *models.Session { return e.session }

// Config returns the effective thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Process decides one sighting. It never panics and never returns an error:
// every failure is an Outcome.
func (e *Engine) Process(ctx context.Context, s Sighting) Outcome {
	out := e.process(ctx, s)
	e.metrics.ObserveOutcome(out.Reason.String())
	e.logOutcome(out)
	return out
}

func (e *Engine) process(ctx context.Context, s Sighting) Outcome {
	if s.Packet.SessionID != e.session.CourseID {
		return rejected(s, SessionMismatch)
	}
	if e.cfg.MinRSSI != 0 && s.RSSI < e.cfg.MinRSSI {
		return rejected(s, WeakSignal)
	}

	now := e.now()
	st, attempt, reason := e.admit(s, now)
	if reason != None {
		out := rejected(s, reason)
		out.Attempt = attempt
		return out
	}

	subject := s.Packet.SubjectID
	day := models.DayOf(now.In(e.cfg.Location))

	done, err := e.gw.HasRecordedToday(ctx, e.session.CourseID, subject, day)
	if err != nil {
		return e.fail(ctx, s, st, PersistenceWriteFailed, err)
	}
	if done {
		e.finalize(st, now)
		e.acknowledge(ctx, s.Origin, true)
		out := rejected(s, AlreadyRecorded)
		out.Attempt = attempt
		return out
	}

	profile, err := e.gw.ResolveProfile(ctx, subject)
	if err == nil && profile == nil {
		err = gateway.ErrProfileNotFound
	}
	if err != nil {
		return e.fail(ctx, s, st, ProfileLookupFailed, err)
	}

	rec := &models.AttendanceRecord{
		SessionID:  e.session.ID,
		CourseID:   e.session.CourseID,
		SubjectID:  subject,
		Name:       profile.Name,
		Surname:    profile.Surname,
		Origin:     s.Origin,
		RecordedAt: now,
		Day:        day,
	}
	err = e.gw.InsertAttendanceRecord(ctx, rec)
	if errors.Is(err, gateway.ErrAlreadyRecorded) {
		e.finalize(st, now)
		e.acknowledge(ctx, s.Origin, true)
		out := rejected(s, AlreadyRecorded)
		out.Attempt = attempt
		return out
	}
	if err != nil {
		return e.fail(ctx, s, st, PersistenceWriteFailed, err)
	}
	e.finalize(st, now)

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.MirrorTimeout)
	if err := e.gw.MirrorAttendanceRecord(mctx, e.session, rec); err != nil {
		e.log.Warn("remote mirror write failed",
			"subject", subject,
			"error", err)
	}
	cancel()

	e.acknowledge(ctx, s.Origin, true)
	return accepted(s, rec, attempt)
}

// admit runs the serialized part of the decision.
func (e *Engine) admit(s Sighting, now time.Time) (*Status, int, Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, 0, SessionClosed
	}

	subject := s.Packet.SubjectID
	st, ok := e.status[subject]
	if !ok {
		st = &Status{}
		e.status[subject] = st
	}

	// a new day starts the subject over, exhausted or recorded
	if !st.LastAttempt.IsZero() && !e.sameDay(st.LastAttempt, now) {
		st.RecordedToday = false
		st.Attempts = 0
	}

	switch {
	case st.Origin != "" && st.Origin != s.Origin:
		e.log.Warn("identity claimed from a second origin",
			"subject", subject,
			"bound_origin", st.Origin,
			"origin", s.Origin,
			"rssi", s.RSSI)
		return st, st.Attempts, OriginConflict
	case st.RecordedToday:
		return st, st.Attempts, AlreadyRecorded
	case st.InFlight:
		return st, st.Attempts, ConcurrentInFlight
	case st.Attempts >= e.cfg.MaxAttempts:
		return st, st.Attempts, AttemptsExhausted
	case !st.LastAttempt.IsZero() && now.Sub(st.LastAttempt) < e.cfg.DuplicateWindow:
		return st, st.Attempts, WithinThrottleWindow
	}

	st.InFlight = true
	st.Attempts++
	st.LastAttempt = now
	if st.Origin == "" {
		st.Origin = s.Origin
	}
	return st, st.Attempts, None
}

func (e *Engine) sameDay(a, b time.Time) bool {
	return models.DayOf(a.In(e.cfg.Location)) == models.DayOf(b.In(e.cfg.Location))
}

func (e *Engine) finalize(st *Status, now time.Time) {
	e.mu.Lock()
	st.InFlight = false
	st.RecordedToday = true
	st.LastAccepted = now
	e.mu.Unlock()
}

// fail rolls the subject back to retryable, keeping its attempt count.
func (e *Engine) fail(ctx context.Context, s Sighting, st *Status, reason Reason, err error) Outcome {
	e.mu.Lock()
	st.InFlight = false
	attempt := st.Attempts
	exhausted := attempt >= e.cfg.MaxAttempts
	e.mu.Unlock()

	if exhausted {
		e.log.Warn("subject permanently rejected for this session",
			"subject", s.Packet.SubjectID,
			"attempts", attempt,
			"reason", reason,
			"error", err)
		e.acknowledge(ctx, s.Origin, false)
	}
	out := rejected(s, reason)
	out.Err = err
	out.Attempt = attempt
	return out
}

func (e *Engine) acknowledge(ctx context.Context, origin string, ok bool) {
	if e.ack == nil || e.Closed() {
		return
	}
	e.ack(ctx, origin, ok)
}

func (e *Engine) logOutcome(out Outcome) {
	switch {
	case out.Accepted:
		e.log.Info("attendance recorded",
			"subject", out.Subject,
			"name", out.Record.Name,
			"surname", out.Record.Surname,
			"origin", out.Origin,
			"attempt", out.Attempt)
	case out.Reason.Retryable():
		e.log.Warn("attendance attempt failed",
			"subject", out.Subject,
			"reason", out.Reason,
			"attempt", out.Attempt,
			"error", out.Err)
	case out.Reason == OriginConflict:
		// logged with the bound origin during admission
	default:
		e.log.Debug("sighting rejected",
			"subject", out.Subject,
			"origin", out.Origin,
			"reason", out.Reason)
	}
}

// Status returns a snapshot of the subject's processing status.
func (e *Engine) Status(subject string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[subject]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Len returns the number of subjects seen so far.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.status)
}

// Close discards every processing status. Later sightings are rejected with
// SessionClosed; decisions already past admission run to completion but no
// longer acknowledge.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.status = make(map[string]*Status)
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
