package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kabili207/rollcall/pkg/models"
)

var selectCourses = `SELECT c.* FROM courses c`

type CourseStore interface {
	GetByID(ctx context.Context, id int) (*models.Course, error)
	GetByName(ctx context.Context, name string) (*models.Course, error)
	GetAll(ctx context.Context) ([]*models.Course, error)
}

type sqliteCourseStore struct {
	db *sqlx.DB
}

func NewCourses(dbconn *sqlx.DB) CourseStore {
	return &sqliteCourseStore{db: dbconn}
}

func (s *sqliteCourseStore) GetByID(ctx context.Context, id int) (*models.Course, error) {
	var c models.Course
	err := s.db.GetContext(ctx, &c, selectCourses+" WHERE c.id = ?;", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteCourseStore) GetByName(ctx context.Context, name string) (*models.Course, error) {
	var c models.Course
	err := s.db.GetContext(ctx, &c, selectCourses+" WHERE c.name = ?;", name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteCourseStore) GetAll(ctx context.Context) ([]*models.Course, error) {
	courses := []*models.Course{}
	err := s.db.SelectContext(ctx, &courses, selectCourses+" ORDER BY c.name;")
	return courses, err
}

// ensureCourse returns the course named name, creating it on first use.
func ensureCourse(ctx context.Context, tx *sqlx.Tx, name string, now time.Time) (*models.Course, error) {
	stmt := `
	INSERT INTO courses (name, created)
	VALUES (?, ?)
	ON CONFLICT (name) DO NOTHING;
	`
	if _, err := tx.ExecContext(ctx, stmt, name, now); err != nil {
		return nil, err
	}
	var c models.Course
	if err := tx.GetContext(ctx, &c, selectCourses+" WHERE c.name = ?;", name); err != nil {
		return nil, err
	}
	return &c, nil
}
