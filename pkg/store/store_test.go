package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/rollcall/pkg/codec"
	"github.com/kabili207/rollcall/pkg/models"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rollcall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(id, course, host string, at time.Time) *models.Session {
	return &models.Session{ID: id, CourseName: course, HostID: host, CreatedAt: at}
}

func TestMigrateTwice(t *testing.T) {
	s := openTestStores(t)
	require.NoError(t, Migrate(s.DB))
}

func TestSessionCreateAssignsCourse(t *testing.T) {
	s := openTestStores(t)
	ctx := t.Context()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	math := newSession("s1", "Math", "host-a", now)
	_, err := s.Sessions.Create(ctx, math)
	require.NoError(t, err)
	require.NotZero(t, math.CourseID)
	assert.True(t, math.Active)

	physics := newSession("s2", "Physics", "host-b", now)
	_, err = s.Sessions.Create(ctx, physics)
	require.NoError(t, err)
	assert.NotEqual(t, math.CourseID, physics.CourseID)

	again := newSession("s3", "Math", "host-b", now.Add(time.Hour))
	_, err = s.Sessions.Create(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, math.CourseID, again.CourseID, "course ids are stable per name")

	course, err := s.Courses.GetByName(ctx, "Math")
	require.NoError(t, err)
	require.NotNil(t, course)
	assert.Equal(t, math.CourseID, course.ID)

	missing, err := s.Courses.GetByName(ctx, "History")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.Courses.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSessionCreateRejectsNameTooLongForCourseID(t *testing.T) {
	s := openTestStores(t)
	ctx := t.Context()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	for i := 1; i <= 9; i++ {
		_, err := s.Sessions.Create(ctx, newSession(fmt.Sprintf("s%d", i), fmt.Sprintf("c%d", i), "host-a", now))
		require.NoError(t, err)
	}

	// fits a one-digit id, not the two-digit id this course would get
	name := strings.Repeat("x", codec.MaxCourseNameLen(0))
	_, err := s.Sessions.Create(ctx, newSession("long", name, "host-a", now.Add(time.Minute)))
	assert.ErrorIs(t, err, codec.ErrPayloadTooLarge)

	course, err := s.Courses.GetByName(ctx, name)
	require.NoError(t, err)
	assert.Nil(t, course, "course row should be rolled back")

	stored, err := s.Sessions.Get(ctx, "long")
	require.NoError(t, err)
	assert.Nil(t, stored)

	active, err := s.Sessions.GetActive(ctx, "host-a")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "s9", active.ID, "stale sessions should not be closed by a rejected create")

	_, err = s.Sessions.Create(ctx, newSession("short", name[1:], "host-a", now.Add(time.Minute)))
	require.NoError(t, err)
}

func TestSessionCreateClosesStaleSessions(t *testing.T) {
	s := openTestStores(t)
	ctx := t.Context()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	_, err := s.Sessions.Create(ctx, newSession("old", "Math", "host-a", now))
	require.NoError(t, err)
	_, err = s.Sessions.Create(ctx, newSession("other-host", "Math", "host-b", now))
	require.NoError(t, err)

	stale, err := s.Sessions.Create(ctx, newSession("new", "Physics", "host-a", now.Add(time.Minute)))
	require.NoError(t, err)
	assert.EqualValues(t, 1, stale)

	old, err := s.Sessions.Get(ctx, "old")
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.False(t, old.Active)
	require.NotNil(t, old.ClosedAt)

	active, err := s.Sessions.GetActive(ctx, "host-a")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "new", active.ID)

	otherHost, err := s.Sessions.GetActive(ctx, "host-b")
	require.NoError(t, err)
	require.NotNil(t, otherHost)
	assert.Equal(t, "other-host", otherHost.ID)
}

func TestSessionDeactivate(t *testing.T) {
	s := openTestStores(t)
	ctx := t.Context()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	_, err := s.Sessions.Create(ctx, newSession("s1", "Math", "host-a", now))
	require.NoError(t, err)

	closedAt := now.Add(time.Hour)
	require.NoError(t, s.Sessions.Deactivate(ctx, "s1", closedAt))
	require.NoError(t, s.Sessions.Deactivate(ctx, "s1", closedAt.Add(time.Hour)))
	require.NoError(t, s.Sessions.Deactivate(ctx, "missing", closedAt))

	sess, err := s.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.False(t, sess.Active)
	require.NotNil(t, sess.ClosedAt)
	assert.True(t, sess.ClosedAt.Equal(closedAt), "closed_at = %v, want %v", sess.ClosedAt, closedAt)

	active, err := s.Sessions.GetActive(ctx, "host-a")
	require.NoError(t, err)
	assert.Nil(t, active)

	list, err := s.Sessions.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAttendanceOncePerDay(t *testing.T) {
	s := openTestStores(t)
	ctx := t.Context()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	sess := newSession("s1", "Math", "host-a", now)
	_, err := s.Sessions.Create(ctx, sess)
	require.NoError(t, err)

	rec := func(at time.Time, origin string) *models.AttendanceRecord {
		return &models.AttendanceRecord{
			SessionID:  sess.ID,
			CourseID:   sess.CourseID,
			SubjectID:  "A100",
			Name:       "Ada",
			Surname:    "Lovelace",
			Origin:     origin,
			RecordedAt: at,
			Day:        models.DayOf(at),
		}
	}

	first := rec(now, "AA:BB")
	inserted, err := s.Attendance.Insert(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, first.ID)

	inserted, err = s.Attendance.Insert(ctx, rec(now.Add(time.Minute), "CC:DD"))
	require.NoError(t, err)
	assert.False(t, inserted, "second record on the same day must be refused")

	exists, err := s.Attendance.Exists(ctx, sess.CourseID, "A100", models.DayOf(now))
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Attendance.Exists(ctx, sess.CourseID, "B200", models.DayOf(now))
	require.NoError(t, err)
	assert.False(t, exists)

	inserted, err = s.Attendance.Insert(ctx, rec(now.Add(24*time.Hour), "AA:BB"))
	require.NoError(t, err)
	assert.True(t, inserted, "next day is a new record")

	records, err := s.Attendance.GetBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AA:BB", records[0].Origin)
	assert.Equal(t, "Ada", records[0].Name)

	today, err := s.Attendance.GetByCourseDay(ctx, sess.CourseID, models.DayOf(now))
	require.NoError(t, err)
	assert.Len(t, today, 1)
}

func TestAttendanceConcurrentInsert(t *testing.T) {
	s := openTestStores(t)
	ctx := t.Context()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	sess := newSession("s1", "Math", "host-a", now)
	_, err := s.Sessions.Create(ctx, sess)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	written := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Attendance.Insert(ctx, &models.AttendanceRecord{
				SessionID: sess.ID, CourseID: sess.CourseID, SubjectID: "A100",
				Name: "Ada", Surname: "Lovelace", Origin: "AA:BB",
				RecordedAt: now, Day: models.DayOf(now),
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, written)
}

func TestProfiles(t *testing.T) {
	s := openTestStores(t)
	ctx := t.Context()
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	missing, err := s.Profiles.Get(ctx, "A100")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.Profiles.Save(ctx, &models.Profile{SubjectID: "A100", Name: "Ada", Surname: "Byron", Updated: now}))
	require.NoError(t, s.Profiles.Save(ctx, &models.Profile{SubjectID: "A100", Name: "Ada", Surname: "Lovelace", Updated: now}))
	require.NoError(t, s.Profiles.Save(ctx, &models.Profile{SubjectID: "B200", Name: "Alan", Surname: "Turing", Updated: now}))

	p, err := s.Profiles.Get(ctx, "A100")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Lovelace", p.Surname)
	assert.Equal(t, "Ada Lovelace", p.GetDisplayName())

	all, err := s.Profiles.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A100", all[0].SubjectID)

	require.NoError(t, s.Profiles.Delete(ctx, "B200"))
	all, err = s.Profiles.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
