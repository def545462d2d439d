// Package automation decides when scheduled notifications are due and sends
// them from the workspace's connected mailbox.
package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
)

// Supported schedule frequencies
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// CatchUpWindow is how long after its scheduled instant a missed run is
// still sent
const CatchUpWindow = time.Hour

// Schedule is the recurrence of a notification. Weekday uses time.Weekday
// numbering (0 is Sunday). DayOfMonth beyond the month's length means the
// last day of that month.
type Schedule struct {
	Frequency  string
	TimeOfDay  string
	Weekday    int
	DayOfMonth int
}

// ScheduleOf extracts the schedule of a notification
func ScheduleOf(n *models.ScheduledNotification) Schedule {
	return Schedule{
		Frequency:  n.Frequency,
		TimeOfDay:  n.TimeOfDay,
		Weekday:    n.Weekday,
		DayOfMonth: n.DayOfMonth,
	}
}

func parseTimeOfDay(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// Occurrence returns the most recent scheduled instant at or before now,
// evaluated on the wall clock of loc
func (s Schedule) Occurrence(now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	h, m, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	y, mo, d := local.Date()

	switch strings.ToLower(s.Frequency) {
	case FrequencyDaily:
		occ := time.Date(y, mo, d, h, m, 0, 0, loc)
		if occ.After(now) {
			occ = time.Date(y, mo, d-1, h, m, 0, 0, loc)
		}
		return occ, nil

	case FrequencyWeekly:
		if s.Weekday < 0 || s.Weekday > 6 {
			return time.Time{}, fmt.Errorf("invalid weekday %d", s.Weekday)
		}
		back := (int(local.Weekday()) - s.Weekday + 7) % 7
		occ := time.Date(y, mo, d-back, h, m, 0, 0, loc)
		if occ.After(now) {
			occ = time.Date(y, mo, d-back-7, h, m, 0, 0, loc)
		}
		return occ, nil

	case FrequencyMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("invalid day of month %d", s.DayOfMonth)
		}
		occ := monthDay(y, mo, s.DayOfMonth, h, m, loc)
		if occ.After(now) {
			occ = monthDay(y, mo-1, s.DayOfMonth, h, m, loc)
		}
		return occ, nil
	}
	return time.Time{}, fmt.Errorf("unknown frequency %q", s.Frequency)
}

// monthDay builds day of the given month, clamped to the month's last day.
// Months outside 1..12 roll over the year.
func monthDay(year int, month time.Month, day, h, m int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, h, m, 0, 0, loc)
}

// Due reports whether a notification last run at lastRun should be sent at
// now, along with the occurrence it would satisfy
func (s Schedule) Due(now time.Time, lastRun *time.Time, loc *time.Location) (bool, time.Time, error) {
	occ, err := s.Occurrence(now, loc)
	if err != nil {
		return false, time.Time{}, err
	}
	if now.Sub(occ) >= CatchUpWindow {
		return false, occ, nil
	}
	if lastRun != nil && !lastRun.Before(occ) {
		return false, occ, nil
	}
	return true, occ, nil
}
