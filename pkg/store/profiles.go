package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/kabili207/rollcall/pkg/models"
)

var selectProfiles = `SELECT p.* FROM profiles p`

type ProfileStore interface {
	Get(ctx context.Context, subjectID string) (*models.Profile, error)
	Save(ctx context.Context, p *models.Profile) error
	GetAll(ctx context.Context) ([]*models.Profile, error)
	Delete(ctx context.Context, subjectID string) error
}

type sqliteProfileStore struct {
	db *sqlx.DB
}

func NewProfiles(dbconn *sqlx.DB) ProfileStore {
	return &sqliteProfileStore{db: dbconn}
}

func (s *sqliteProfileStore) Get(ctx context.Context, subjectID string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.GetContext(ctx, &p, selectProfiles+" WHERE p.subject_id = ?;", subjectID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save inserts or updates a profile.
func (s *sqliteProfileStore) Save(ctx context.Context, p *models.Profile) error {
	stmt := `
	INSERT INTO profiles (subject_id, name, surname, updated)
	VALUES (:subject_id, :name, :surname, :updated)
	ON CONFLICT (subject_id)
	DO UPDATE SET
		name = excluded.name,
		surname = excluded.surname,
		updated = excluded.updated
	;`

	_, err := s.db.NamedExecContext(ctx, stmt, p)
	return err
}

func (s *sqliteProfileStore) GetAll(ctx context.Context) ([]*models.Profile, error) {
	profiles := []*models.Profile{}
	err := s.db.SelectContext(ctx, &profiles, selectProfiles+" ORDER BY p.surname, p.name;")
	return profiles, err
}

func (s *sqliteProfileStore) Delete(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE subject_id = ?;`, subjectID)
	return err
}
