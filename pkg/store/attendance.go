package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/kabili207/rollcall/pkg/models"
)

var selectAttendance = `SELECT a.* FROM attendance a`

type AttendanceStore interface {
	// Insert writes rec unless the subject already has a record for the same
	// course and day. It reports whether a row was written.
	Insert(ctx context.Context, rec *models.AttendanceRecord) (bool, error)
	Exists(ctx context.Context, courseID int, subjectID, day string) (bool, error)
	GetBySession(ctx context.Context, sessionID string) ([]*models.AttendanceRecord, error)
	GetByCourseDay(ctx context.Context, courseID int, day string) ([]*models.AttendanceRecord, error)
}

type sqliteAttendanceStore struct {
	db *sqlx.DB
}

func NewAttendance(dbconn *sqlx.DB) AttendanceStore {
	return &sqliteAttendanceStore{db: dbconn}
}

func (s *sqliteAttendanceStore) Insert(ctx context.Context, rec *models.AttendanceRecord) (bool, error) {
	stmt := `
	INSERT INTO attendance (session_id, course_id, subject_id, name, surname, origin_address, recorded_at, day)
	VALUES (:session_id, :course_id, :subject_id, :name, :surname, :origin_address, :recorded_at, :day)
	ON CONFLICT (course_id, subject_id, day) DO NOTHING;
	`
	res, err := s.db.NamedExecContext(ctx, stmt, rec)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return true, nil
}

func (s *sqliteAttendanceStore) Exists(ctx context.Context, courseID int, subjectID, day string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
	SELECT EXISTS (
		SELECT 1 FROM attendance
		WHERE course_id = ? AND subject_id = ? AND day = ?
	);`, courseID, subjectID, day)
	return exists, err
}

func (s *sqliteAttendanceStore) GetBySession(ctx context.Context, sessionID string) ([]*models.AttendanceRecord, error) {
	records := []*models.AttendanceRecord{}
	err := s.db.SelectContext(ctx, &records,
		selectAttendance+" WHERE a.session_id = ? ORDER BY a.recorded_at;", sessionID)
	return records, err
}

func (s *sqliteAttendanceStore) GetByCourseDay(ctx context.Context, courseID int, day string) ([]*models.AttendanceRecord, error) {
	records := []*models.AttendanceRecord{}
	err := s.db.SelectContext(ctx, &records,
		selectAttendance+" WHERE a.course_id = ? AND a.day = ? ORDER BY a.recorded_at;", courseID, day)
	return records, err
}
