package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestOccurrence(t *testing.T) {
	loc := newYork(t)
	at := func(y int, mo time.Month, d, h, m int) time.Time {
		return time.Date(y, mo, d, h, m, 0, 0, loc)
	}

	tests := []struct {
		name     string
		schedule Schedule
		now      time.Time
		want     time.Time
	}{
		{
			name:     "daily after time of day",
			schedule: Schedule{Frequency: FrequencyDaily, TimeOfDay: "09:00"},
			now:      at(2024, time.May, 14, 9, 30),
			want:     at(2024, time.May, 14, 9, 0),
		},
		{
			name:     "daily before time of day",
			schedule: Schedule{Frequency: FrequencyDaily, TimeOfDay: "09:00"},
			now:      at(2024, time.May, 14, 8, 59),
			want:     at(2024, time.May, 13, 9, 0),
		},
		{
			name:     "daily exactly at time of day",
			schedule: Schedule{Frequency: FrequencyDaily, TimeOfDay: "17:45"},
			now:      at(2024, time.May, 14, 17, 45),
			want:     at(2024, time.May, 14, 17, 45),
		},
		{
			name:     "weekly same weekday later",
			schedule: Schedule{Frequency: FrequencyWeekly, TimeOfDay: "08:00", Weekday: int(time.Friday)},
			now:      at(2024, time.May, 17, 10, 0), // Friday
			want:     at(2024, time.May, 17, 8, 0),
		},
		{
			name:     "weekly same weekday earlier",
			schedule: Schedule{Frequency: FrequencyWeekly, TimeOfDay: "08:00", Weekday: int(time.Friday)},
			now:      at(2024, time.May, 17, 7, 0),
			want:     at(2024, time.May, 10, 8, 0),
		},
		{
			name:     "weekly other weekday",
			schedule: Schedule{Frequency: FrequencyWeekly, TimeOfDay: "08:00", Weekday: int(time.Monday)},
			now:      at(2024, time.May, 16, 12, 0), // Thursday
			want:     at(2024, time.May, 13, 8, 0),
		},
		{
			name:     "monthly this month",
			schedule: Schedule{Frequency: FrequencyMonthly, TimeOfDay: "06:30", DayOfMonth: 10},
			now:      at(2024, time.May, 20, 0, 0),
			want:     at(2024, time.May, 10, 6, 30),
		},
		{
			name:     "monthly rolls back a year",
			schedule: Schedule{Frequency: FrequencyMonthly, TimeOfDay: "06:30", DayOfMonth: 10},
			now:      at(2024, time.January, 5, 0, 0),
			want:     at(2023, time.December, 10, 6, 30),
		},
		{
			name:     "monthly clamps to short month",
			schedule: Schedule{Frequency: FrequencyMonthly, TimeOfDay: "09:00", DayOfMonth: 31},
			now:      at(2024, time.February, 29, 12, 0),
			want:     at(2024, time.February, 29, 9, 0),
		},
		{
			name:     "monthly clamps previous month",
			schedule: Schedule{Frequency: FrequencyMonthly, TimeOfDay: "09:00", DayOfMonth: 31},
			now:      at(2024, time.May, 1, 8, 0),
			want:     at(2024, time.April, 30, 9, 0),
		},
		{
			name:     "daily across spring forward",
			schedule: Schedule{Frequency: FrequencyDaily, TimeOfDay: "09:00"},
			now:      time.Date(2024, time.March, 10, 13, 30, 0, 0, time.UTC), // 09:30 EDT
			want:     at(2024, time.March, 10, 9, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.schedule.Occurrence(tt.now, loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestOccurrenceUsesBusinessTimezone(t *testing.T) {
	loc := newYork(t)
	s := Schedule{Frequency: FrequencyDaily, TimeOfDay: "09:00"}

	// 13:05 UTC is 09:05 in New York during daylight time
	now := time.Date(2024, time.July, 1, 13, 5, 0, 0, time.UTC)
	got, err := s.Occurrence(now, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.July, 1, 13, 0, 0, 0, time.UTC), got.UTC())

	// same UTC instant in winter is 08:05 local, so yesterday's run applies
	now = time.Date(2024, time.January, 15, 13, 5, 0, 0, time.UTC)
	got, err = s.Occurrence(now, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.January, 14, 14, 0, 0, 0, time.UTC), got.UTC())
}

func TestOccurrenceRejectsInvalidSchedules(t *testing.T) {
	now := time.Now()
	for _, s := range []Schedule{
		{Frequency: FrequencyDaily, TimeOfDay: "9am"},
		{Frequency: FrequencyDaily, TimeOfDay: "24:00"},
		{Frequency: FrequencyDaily, TimeOfDay: "09:60"},
		{Frequency: FrequencyWeekly, TimeOfDay: "09:00", Weekday: 7},
		{Frequency: FrequencyMonthly, TimeOfDay: "09:00", DayOfMonth: 0},
		{Frequency: "hourly", TimeOfDay: "09:00"},
	} {
		_, err := s.Occurrence(now, time.UTC)
		assert.Error(t, err, "%+v", s)
	}
}

func TestDue(t *testing.T) {
	loc := newYork(t)
	s := Schedule{Frequency: FrequencyDaily, TimeOfDay: "09:00"}
	occ := time.Date(2024, time.May, 14, 9, 0, 0, 0, loc)

	t.Run("never run inside window", func(t *testing.T) {
		due, got, err := s.Due(occ.Add(10*time.Minute), nil, loc)
		require.NoError(t, err)
		assert.True(t, due)
		assert.True(t, occ.Equal(got))
	})

	t.Run("catch up after short outage", func(t *testing.T) {
		last := occ.AddDate(0, 0, -1)
		due, _, err := s.Due(occ.Add(59*time.Minute), &last, loc)
		require.NoError(t, err)
		assert.True(t, due)
	})

	t.Run("window elapsed", func(t *testing.T) {
		due, _, err := s.Due(occ.Add(CatchUpWindow), nil, loc)
		require.NoError(t, err)
		assert.False(t, due)
	})

	t.Run("already ran for occurrence", func(t *testing.T) {
		last := occ.Add(time.Minute)
		due, _, err := s.Due(occ.Add(2*time.Minute), &last, loc)
		require.NoError(t, err)
		assert.False(t, due)
	})

	t.Run("run exactly at occurrence counts", func(t *testing.T) {
		last := occ
		due, _, err := s.Due(occ.Add(time.Minute), &last, loc)
		require.NoError(t, err)
		assert.False(t, due)
	})
}
