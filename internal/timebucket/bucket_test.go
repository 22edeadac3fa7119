package timebucket

import (
	"testing"
	"time"

	"market-watch/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ts20240101T100733 int64 = 1704103653

func mustParse(t *testing.T, label string) Interval {
	t.Helper()
	iv, err := Parse(label)
	require.NoError(t, err)
	return iv
}

func TestStartOf(t *testing.T) {
	sunday := Location{WeekStart: time.Sunday}

	tests := []struct {
		name     string
		time     int64
		interval string
		loc      Location
		expected int64
	}{
		{"15 minutes", ts20240101T100733, "15m", UTC, 1704103200},
		{"1 minute", ts20240101T100733, "1m", UTC, 1704103620},
		{"30 seconds", ts20240101T100733, "30s", UTC, 1704103650},
		{"1 hour", ts20240101T100733, "1h", UTC, 1704103200},
		{"4 hours", ts20240101T100733, "4h", UTC, 1704096000},
		{"1 day", ts20240101T100733, "1d", UTC, 1704067200},
		{"1 week monday start", 1704283200, "1w", UTC, 1704067200},
		{"1 week sunday start", 1704283200, "1w", sunday, 1703980800},
		{"2 weeks aligned from first epoch week", ts20240101T100733, "2w", UTC, 1703462400},
		{"day in positive offset", 1704151800, "1d", Location{OffsetSeconds: 3600, WeekStart: time.Monday}, 1704150000},
		{"day in negative offset", 1704078000, "1d", Location{OffsetSeconds: -18000, WeekStart: time.Monday}, 1703998800},
		{"exact boundary", 1704103200, "15m", UTC, 1704103200},
		{"before epoch", -1, "1m", UTC, -60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StartOf(tt.time, mustParse(t, tt.interval), tt.loc)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStartOf_WithinOneInterval(t *testing.T) {
	for _, label := range []string{"1m", "5m", "15m", "1h", "6h", "1d", "1w", "3w"} {
		iv := mustParse(t, label)
		for ts := int64(1700000000); ts < 1700000000+3*iv.Seconds(); ts += 997 {
			start := iv.Floor(ts, UTC)
			assert.LessOrEqual(t, start, ts, label)
			assert.Less(t, ts, start+iv.Seconds(), label)
			assert.Equal(t, start, iv.Floor(start, UTC), "start is its own bucket for %s", label)
		}
	}
}

func TestFromSeconds(t *testing.T) {
	tests := []struct {
		seconds int64
		label   string
		err     error
	}{
		{900, "15m", nil},
		{60, "1m", nil},
		{7200, "2h", nil},
		{86400, "1d", nil},
		{604800, "1w", nil},
		{1209600, "2w", nil},
		{15, "15s", nil},
		{0, "", apperrors.ErrInvalidConfiguration},
		{-60, "", apperrors.ErrInvalidConfiguration},
		{420, "", apperrors.ErrInvalidInterval},
		{90, "", apperrors.ErrInvalidInterval},
		{5 * 3600, "", apperrors.ErrInvalidInterval},
		{3 * 86400, "", apperrors.ErrInvalidInterval},
		{7, "", apperrors.ErrInvalidInterval},
		{(MaxWeeks + 1) * secondsPerWeek, "", apperrors.ErrInvalidInterval},
	}

	for _, tt := range tests {
		iv, err := FromSeconds(tt.seconds)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, "seconds=%d", tt.seconds)
			continue
		}
		require.NoError(t, err, "seconds=%d", tt.seconds)
		assert.Equal(t, tt.label, iv.String())
		assert.Equal(t, tt.seconds, iv.Seconds())
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, label := range []string{"", "m", "7m", "5h", "2d", "1y", "xm", "0m"} {
		_, err := Parse(label)
		assert.Error(t, err, label)
	}

	for _, label := range []string{"7d", "14d", "5201w", "15250284452472w", "20000000000000w"} {
		_, err := Parse(label)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInterval, label)
	}

	iv, err := Parse("5200w")
	require.NoError(t, err)
	assert.Positive(t, iv.Seconds())

	_, err = Parse("0m")
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfiguration)

	_, err = Parse("7m")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInterval)
}

func TestStartOf_RejectsInvalidInterval(t *testing.T) {
	_, err := StartOf(ts20240101T100733, Interval{Count: 7, Unit: UnitMinute}, UTC)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInterval)
}

func TestNewLocation(t *testing.T) {
	loc, err := NewLocation(-5*3600, time.Sunday)
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, loc.WeekStart)

	_, err = NewLocation(secondsPerDay, time.Monday)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfiguration)
}
