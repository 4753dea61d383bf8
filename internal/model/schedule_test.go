package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/gulp/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)
	var testCases = []struct {
		scenario string
		given    string
		then     time.Time
		err      string
	}{
		{"every 15 minutes", "*/15 * * * *", time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), ""},
		{"hourly", "@hourly", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), ""},
		{"every", "@every 5m", time.Date(2024, 1, 1, 10, 12, 0, 0, time.UTC), ""},
		{"surrounding spaces", "  0 12 * * *  ", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), ""},
		{"six fields", "0 */2 * * * *", time.Time{}, "expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{"out of range", "* * 32 * *", time.Time{}, "end of range (32) above maximum (31): 32"},
		{"empty", "", time.Time{}, "empty cron expression"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			sched, err := model.ParseCron(tt.given)
			if tt.err != "" {
				require.EqualError(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, sched.Next(from))
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"30s", 30 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"PT30S", 30 * time.Second, false},
		{"PT1M30S", 90 * time.Second, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"PT1.5S", 1500 * time.Millisecond, false},
		{"PT0,5S", 500 * time.Millisecond, false},
		{"P2D", 48 * time.Hour, false},
		{"P2M", 0, true},
		{"P1DT", 0, true},
		{"PT", 0, true},
		{"soon", 0, true},
		{"", 0, true},
	}

	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			t.Parallel()
			got, err := model.ParseDuration(tt.given)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, got)
		})
	}
}

func TestParseISODurationErrors(t *testing.T) {
	t.Parallel()
	_, err := model.ParseISODuration("P2M")
	require.ErrorIs(t, err, model.ErrISOFormat)
	_, err = model.ParseISODuration("PT1.1234567891S")
	require.ErrorIs(t, err, model.ErrISOFormat)
}
