package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kabili207/rollcall/pkg/codec"
	"github.com/kabili207/rollcall/pkg/models"
)

var selectSessions = `SELECT s.* FROM sessions s`

type SessionStore interface {
	// Create inserts sess, creating its course on first use and deactivating
	// any session the same host left active. It fills sess.CourseID and
	// returns the number of stale sessions it closed. A course name that no
	// longer fits an announcement once its id is known fails with
	// codec.ErrPayloadTooLarge and nothing is written.
	Create(ctx context.Context, sess *models.Session) (int64, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	GetActive(ctx context.Context, hostID string) (*models.Session, error)
	List(ctx context.Context, limit int) ([]*models.Session, error)
	Deactivate(ctx context.Context, id string, at time.Time) error
}

type sqliteSessionStore struct {
	db *sqlx.DB
}

func NewSessions(dbconn *sqlx.DB) SessionStore {
	return &sqliteSessionStore{db: dbconn}
}

func (s *sqliteSessionStore) Create(ctx context.Context, sess *models.Session) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	course, err := ensureCourse(ctx, tx, sess.CourseName, sess.CreatedAt)
	if err != nil {
		return 0, err
	}
	if limit := codec.MaxCourseNameLen(course.ID); len(sess.CourseName) > limit {
		return 0, fmt.Errorf("%w: course %q with id %d allows %d bytes of name",
			codec.ErrPayloadTooLarge, sess.CourseName, course.ID, limit)
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE sessions
	SET active = 0, closed_at = ?
	WHERE host_id = ? AND active = 1;
	`, sess.CreatedAt, sess.HostID)
	if err != nil {
		return 0, err
	}
	stale, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	sess.CourseID = course.ID
	sess.Active = true
	sess.ClosedAt = nil
	stmt := `
	INSERT INTO sessions (id, course_id, course_name, host_id, created_at, active, closed_at)
	VALUES (:id, :course_id, :course_name, :host_id, :created_at, :active, :closed_at);
	`
	if _, err := tx.NamedExecContext(ctx, stmt, sess); err != nil {
		return 0, err
	}
	return stale, tx.Commit()
}

func (s *sqliteSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, selectSessions+" WHERE s.id = ?;", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sqliteSessionStore) GetActive(ctx context.Context, hostID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess,
		selectSessions+" WHERE s.host_id = ? AND s.active = 1 ORDER BY s.created_at DESC LIMIT 1;", hostID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sqliteSessionStore) List(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	sessions := []*models.Session{}
	err := s.db.SelectContext(ctx, &sessions, selectSessions+" ORDER BY s.created_at DESC LIMIT ?;", limit)
	return sessions, err
}

// Deactivate flips an active session inactive. Inactive sessions are left
// untouched so the original close time is kept.
func (s *sqliteSessionStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	stmt := `
	UPDATE sessions
	SET active = 0, closed_at = ?
	WHERE id = ? AND active = 1;
	`
	_, err := s.db.ExecContext(ctx, stmt, at, id)
	return err
}
