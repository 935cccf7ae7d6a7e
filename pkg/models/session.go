package models

import "time"

// Session is one host-managed attendance window tied to a single course.
type Session struct {
	// ID is the opaque, host-assigned session handle.
	ID         string     `db:"id" json:"id"`
	CourseID   int        `db:"course_id" json:"course_id"`
	CourseName string     `db:"course_name" json:"course_name"`
	HostID     string     `db:"host_id" json:"host_id"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	Active     bool       `db:"active" json:"active"`
	ClosedAt   *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// Course maps a human-readable course name to the integer id carried in beacons.
type Course struct {
	ID      int       `db:"id" json:"id"`
	Name    string    `db:"name" json:"name"`
	Created time.Time `db:"created" json:"created"`
}
