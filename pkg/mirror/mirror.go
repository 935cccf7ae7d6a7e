// Package mirror copies sessions and attendance to a remote system. Every
// write is best effort: callers log failures and carry on.
package mirror

import (
	"context"

	"github.com/kabili207/rollcall/pkg/models"
)

// Mirror is a remote copy of the local store.
type Mirror interface {
	MirrorSession(ctx context.Context, s *models.Session) error
	DeactivateSession(ctx context.Context, s *models.Session) error
	MirrorAttendance(ctx context.Context, s *models.Session, rec *models.AttendanceRecord) error
	Close() error
}

// Nop discards every write.
type Nop struct{}

var _ Mirror = Nop{}

func (Nop) MirrorSession(context.Context, *models.Session) error { return nil }

func (Nop) DeactivateSession(context.Context, *models.Session) error { return nil }

func (Nop) MirrorAttendance(context.Context, *models.Session, *models.AttendanceRecord) error {
	return nil
}

func (Nop) Close() error { return nil }
