package mirror

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kabili207/rollcall/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "rollcall_mirror_migrations"

// PostgresOptions holds the connection settings of the remote database.
type PostgresOptions struct {
	User     string
	Password string
	Host     string
	DB       string
	SSLMode  string
}

// DSN returns the lib/pq connection URL.
func (o PostgresOptions) DSN() string {
	q := url.Values{}
	if o.SSLMode != "" {
		q.Set("sslmode", o.SSLMode)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(o.User, o.Password),
		Host:     o.Host,
		Path:     o.DB,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// PostgresMirror writes sessions and attendance to a shared postgres database.
type PostgresMirror struct {
	db *sqlx.DB
}

var _ Mirror = (*PostgresMirror)(nil)

// NewPostgres connects and migrates the remote schema.
func NewPostgres(ctx context.Context, opts PostgresOptions) (*PostgresMirror, error) {
	dsn := opts.DSN()
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to mirror database: %w", err)
	}
	return &PostgresMirror{db: db}, nil
}

func migratePostgres(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("opening mirror database: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return fmt.Errorf("preparing mirror migrations: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("loading mirror migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("preparing mirror migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating mirror database: %w", err)
	}
	return nil
}

func (p *PostgresMirror) MirrorSession(ctx context.Context, s *models.Session) error {
	stmt := `
	INSERT INTO rollcall_sessions (id, course_id, course_name, host_id, created_at, active, closed_at)
	VALUES (:id, :course_id, :course_name, :host_id, :created_at, :active, :closed_at)
	ON CONFLICT (id)
	DO UPDATE SET
		active = :active,
		closed_at = :closed_at
	;`
	_, err := p.db.NamedExecContext(ctx, stmt, s)
	return err
}

func (p *PostgresMirror) DeactivateSession(ctx context.Context, s *models.Session) error {
	stmt := `
	UPDATE rollcall_sessions
	SET active = FALSE, closed_at = $1
	WHERE id = $2;
	`
	_, err := p.db.ExecContext(ctx, stmt, s.ClosedAt, s.ID)
	return err
}

type mirroredRecord struct {
	*models.AttendanceRecord
	CourseName string `db:"course_name"`
}

func (p *PostgresMirror) MirrorAttendance(ctx context.Context, s *models.Session, rec *models.AttendanceRecord) error {
	stmt := `
	INSERT INTO rollcall_attendance (session_id, course_id, course_name, subject_id, name, surname, origin_address, recorded_at, day)
	VALUES (:session_id, :course_id, :course_name, :subject_id, :name, :surname, :origin_address, :recorded_at, :day)
	ON CONFLICT (course_id, subject_id, day) DO NOTHING;
	`
	_, err := p.db.NamedExecContext(ctx, stmt, mirroredRecord{AttendanceRecord: rec, CourseName: s.CourseName})
	return err
}

func (p *PostgresMirror) Close() error {
	return p.db.Close()
}
