package models

import (
	"strings"
	"time"
)

// DayLayout is the calendar-day key used for the once-per-day rule.
const DayLayout = time.DateOnly

// AttendanceRecord is written exactly once per course, subject and calendar day.
type AttendanceRecord struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	CourseID   int       `db:"course_id" json:"course_id"`
	SubjectID  string    `db:"subject_id" json:"subject_id"`
	Name       string    `db:"name" json:"name"`
	Surname    string    `db:"surname" json:"surname"`
	Origin     string    `db:"origin_address" json:"origin_address"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
	Day        string    `db:"day" json:"day"`
}

// DayOf returns the calendar-day key of t in t's own location.
func DayOf(t time.Time) string {
	return t.Format(DayLayout)
}

// Profile is the display identity resolved for a subject identifier.
type Profile struct {
	SubjectID string    `db:"subject_id" json:"subject_id"`
	Name      string    `db:"name" json:"name"`
	Surname   string    `db:"surname" json:"surname"`
	Updated   time.Time `db:"updated" json:"updated"`
}

// GetDisplayName returns "Name Surname", falling back to the subject id.
func (p *Profile) GetDisplayName() string {
	name := strings.TrimSpace(p.Name + " " + p.Surname)
	if name == "" {
		return p.SubjectID
	}
	return name
}
