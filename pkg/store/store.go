// Package store is the local durable store of a rollcall host.
package store

import (
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Stores groups the table stores over one database handle.
type Stores struct {
	DB         *sqlx.DB
	Courses    CourseStore
	Sessions   SessionStore
	Attendance AttendanceStore
	Profiles   ProfileStore
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Stores {
	return &Stores{
		DB:         db,
		Courses:    NewCourses(db),
		Sessions:   NewSessions(db),
		Attendance: NewAttendance(db),
		Profiles:   NewProfiles(db),
	}
}

// Open opens the sqlite database at path, migrating it to the latest schema.
func Open(path string) (*Stores, error) {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Migrate applies every pending schema migration.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	// m.Close would close db as well
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Stores) Close() error {
	return s.DB.Close()
}
