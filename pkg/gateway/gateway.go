// Package gateway is the persistence contract of the session host: a durable
// local store plus a best-effort remote mirror.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/kabili207/rollcall/pkg/mirror"
	"github.com/kabili207/rollcall/pkg/models"
	"github.com/kabili207/rollcall/pkg/store"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrAlreadyRecorded = errors.New("attendance already recorded")
	ErrSessionNotFound = errors.New("session not found")
)

// Options configures a Gateway.
type Options struct {
	// ProfileTTL is how long resolved profiles stay cached. Zero disables the cache.
	ProfileTTL time.Duration
	// MirrorTimeout bounds each best-effort remote write.
	MirrorTimeout time.Duration
	Logger        *slog.Logger
	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Gateway writes through the local store and mirrors to the remote.
type Gateway struct {
	stores   *store.Stores
	mirror   mirror.Mirror
	opts     Options
	log      *slog.Logger
	profiles *ttlcache.Cache[string, models.Profile]

	closeOnce sync.Once
	closeErr  error
}

// New returns a gateway over stores. A nil mirror disables remote writes.
func New(stores *store.Stores, m mirror.Mirror, opts Options) *Gateway {
	if m == nil {
		m = mirror.Nop{}
	}
	if opts.MirrorTimeout == 0 {
		opts.MirrorTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	g := &Gateway{
		stores: stores,
		mirror: m,
		opts:   opts,
		log:    opts.Logger.With("component", "gateway"),
	}
	if opts.ProfileTTL > 0 {
		g.profiles = ttlcache.New[string, models.Profile](
			ttlcache.WithTTL[string, models.Profile](opts.ProfileTTL),
		)
		go g.profiles.Start()
	}
	return g
}

// Close stops the profile cache and the mirror.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		if g.profiles != nil {
			g.profiles.Stop()
		}
		g.closeErr = g.mirror.Close()
	})
	return g.closeErr
}

// Stores exposes the underlying local stores for read-only reporting.
func (g *Gateway) Stores() *store.Stores { return g.stores }

// CreateSession creates a new active session for courseName, deactivating
// any session hostID left active, and mirrors it.
func (g *Gateway) CreateSession(ctx context.Context, courseName, hostID string) (*models.Session, error) {
	sess := &models.Session{
		ID:         uuid.NewString(),
		CourseName: courseName,
		HostID:     hostID,
		CreatedAt:  g.opts.Now(),
	}
	stale, err := g.stores.Sessions.Create(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if stale > 0 {
		g.log.Warn("closed stale active sessions", "host", hostID, "count", stale)
	}

	g.mirrorBestEffort(ctx, "session", func(mctx context.Context) error {
		return g.mirror.MirrorSession(mctx, sess)
	})
	return sess, nil
}

// DeactivateSession marks the session inactive locally, then remotely.
func (g *Gateway) DeactivateSession(ctx context.Context, sess *models.Session) error {
	closedAt := g.opts.Now()
	if err := g.stores.Sessions.Deactivate(ctx, sess.ID, closedAt); err != nil {
		return fmt.Errorf("deactivating session %s: %w", sess.ID, err)
	}
	sess.Active = false
	sess.ClosedAt = &closedAt

	g.mirrorBestEffort(ctx, "session deactivation", func(mctx context.Context) error {
		return g.mirror.DeactivateSession(mctx, sess)
	})
	return nil
}

// Session loads a session by id.
func (g *Gateway) Session(ctx context.Context, id string) (*models.Session, error) {
	sess, err := g.stores.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// RecoverSession deactivates the session hostID left active, typically by
// a crash, and returns it. It returns nil when there is none.
func (g *Gateway) RecoverSession(ctx context.Context, hostID string) (*models.Session, error) {
	sess, err := g.stores.Sessions.GetActive(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("loading active session of %s: %w", hostID, err)
	}
	if sess == nil {
		return nil, nil
	}
	if err := g.DeactivateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// HasRecordedToday is the authoritative once-per-day check.
func (g *Gateway) HasRecordedToday(ctx context.Context, courseID int, subjectID, day string) (bool, error) {
	return g.stores.Attendance.Exists(ctx, courseID, subjectID, day)
}

// ResolveProfile returns the display profile of subjectID or ErrProfileNotFound.
func (g *Gateway) ResolveProfile(ctx context.Context, subjectID string) (*models.Profile, error) {
	if g.profiles != nil {
		if item := g.profiles.Get(subjectID, ttlcache.WithDisableTouchOnHit[string, models.Profile]()); item != nil {
			p := item.Value()
			return &p, nil
		}
	}

	p, err := g.stores.Profiles.Get(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("resolving profile %s: %w", subjectID, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, subjectID)
	}
	if g.profiles != nil {
		g.profiles.Set(subjectID, *p, ttlcache.DefaultTTL)
	}
	return p, nil
}

// UpsertProfile saves a profile and drops it from the cache.
func (g *Gateway) UpsertProfile(ctx context.Context, p *models.Profile) error {
	if p.Updated.IsZero() {
		p.Updated = g.opts.Now()
	}
	if err := g.stores.Profiles.Save(ctx, p); err != nil {
		return err
	}
	if g.profiles != nil {
		g.profiles.Delete(p.SubjectID)
	}
	return nil
}

// InsertAttendanceRecord writes rec locally. It returns ErrAlreadyRecorded
// when the subject already has a record for that course and day.
func (g *Gateway) InsertAttendanceRecord(ctx context.Context, rec *models.AttendanceRecord) error {
	inserted, err := g.stores.Attendance.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("inserting attendance for %s: %w", rec.SubjectID, err)
	}
	if !inserted {
		return ErrAlreadyRecorded
	}
	return nil
}

// MirrorAttendanceRecord copies rec to the remote mirror.
func (g *Gateway) MirrorAttendanceRecord(ctx context.Context, sess *models.Session, rec *models.AttendanceRecord) error {
	return g.mirror.MirrorAttendance(ctx, sess, rec)
}

// SessionAttendance lists the records written for a session.
func (g *Gateway) SessionAttendance(ctx context.Context, sessionID string) ([]*models.AttendanceRecord, error) {
	return g.stores.Attendance.GetBySession(ctx, sessionID)
}

func (g *Gateway) mirrorBestEffort(ctx context.Context, what string, fn func(context.Context) error) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.MirrorTimeout)
	defer cancel()
	if err := fn(mctx); err != nil {
		g.log.Warn("remote mirror write failed", "what", what, "error", err)
	}
}
