package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kabili207/rollcall/pkg/models"
	"github.com/kabili207/rollcall/pkg/store"
)

func newAttendanceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attendance",
		Short: "Inspect recorded attendance",
	}
	cmd.AddCommand(newAttendanceListCmd(opts), newSessionListCmd(opts))
	return cmd
}

func newAttendanceListCmd(opts *rootOptions) *cobra.Command {
	var sessionID, course, day string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attendance of a session, or of a course on one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (sessionID == "") == (course == "") {
				return errors.New("exactly one of --session or --course is required")
			}
			stores, err := store.Open(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer stores.Close()
			ctx := cmd.Context()

			var records []*models.AttendanceRecord
			if sessionID != "" {
				records, err = stores.Attendance.GetBySession(ctx, sessionID)
			} else {
				c, cerr := stores.Courses.GetByName(ctx, course)
				if cerr != nil {
					return cerr
				}
				if c == nil {
					return fmt.Errorf("course %q not found", course)
				}
				if day == "" {
					day = models.DayOf(time.Now())
				}
				records, err = stores.Attendance.GetByCourseDay(ctx, c.ID, day)
			}
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					r.Day,
					r.RecordedAt.Local().Format(time.TimeOnly),
					r.SubjectID,
					r.Name,
					r.Surname,
					r.Origin,
				})
			}
			renderTable([]string{"DAY", "TIME", "SUBJECT", "NAME", "SURNAME", "ORIGIN"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&course, "course", "", "Course name")
	cmd.Flags().StringVar(&day, "day", "", "Day as YYYY-MM-DD (defaults to today)")
	return cmd
}

func newSessionListCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := store.Open(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer stores.Close()

			sessions, err := stores.Sessions.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				closed := ""
				if s.ClosedAt != nil {
					closed = s.ClosedAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{
					s.ID,
					s.CourseName,
					strconv.Itoa(s.CourseID),
					s.HostID,
					s.CreatedAt.Local().Format(time.DateTime),
					closed,
					strconv.FormatBool(s.Active),
				})
			}
			renderTable([]string{"ID", "COURSE", "COURSE ID", "HOST", "OPENED", "CLOSED", "ACTIVE"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of sessions to show")
	return cmd
}
