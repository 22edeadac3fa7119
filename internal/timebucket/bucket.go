package timebucket

import (
	"fmt"
	"time"

	"market-watch/internal/apperrors"
)

// epochWeekday is the weekday of 1970-01-01.
const epochWeekday = int64(time.Thursday)

// Location fixes the calendar frame used for bucketing: a UTC offset and
// the day weeks start on. It is never taken from the host.
type Location struct {
	OffsetSeconds int64
	WeekStart     time.Weekday
}

// UTC is the default frame with Monday week starts.
var UTC = Location{OffsetSeconds: 0, WeekStart: time.Monday}

func NewLocation(offsetSeconds int64, weekStart time.Weekday) (Location, error) {
	if offsetSeconds <= -secondsPerDay || offsetSeconds >= secondsPerDay {
		return Location{}, fmt.Errorf("%w: utc offset %ds out of range", apperrors.ErrInvalidConfiguration, offsetSeconds)
	}
	if weekStart < time.Sunday || weekStart > time.Saturday {
		return Location{}, fmt.Errorf("%w: invalid week start %d", apperrors.ErrInvalidConfiguration, weekStart)
	}
	return Location{OffsetSeconds: offsetSeconds, WeekStart: weekStart}, nil
}

// StartOf returns the start of the bucket containing t, in epoch seconds.
func StartOf(t int64, iv Interval, loc Location) (int64, error) {
	if err := iv.Validate(); err != nil {
		return 0, err
	}
	return iv.Floor(t, loc), nil
}

// Floor is StartOf for an interval that has already been validated.
func (iv Interval) Floor(t int64, loc Location) int64 {
	local := t + loc.OffsetSeconds
	var start int64

	switch iv.Unit {
	case UnitSecond:
		start = local - mod(mod(local, secondsPerMinute), iv.Count)
	case UnitMinute:
		minuteOfHour := mod(local, secondsPerHour) / secondsPerMinute
		start = local - mod(local, secondsPerMinute) - mod(minuteOfHour, iv.Count)*secondsPerMinute
	case UnitHour:
		hourOfDay := mod(local, secondsPerDay) / secondsPerHour
		start = local - mod(local, secondsPerHour) - mod(hourOfDay, iv.Count)*secondsPerHour
	case UnitDay:
		day := floorDiv(local, secondsPerDay)
		start = (day - mod(day, iv.Count)) * secondsPerDay
	case UnitWeek:
		start = weekStartDay(floorDiv(local, secondsPerDay), iv.Count, loc.WeekStart) * secondsPerDay
	default:
		start = local
	}

	return start - loc.OffsetSeconds
}

// weekStartDay snaps a day number back to the first day of its week, then
// back by whole weeks so multi-week buckets line up from the first week
// start on or after the epoch.
func weekStartDay(day, weeks int64, first time.Weekday) int64 {
	dow := mod(day+epochWeekday, 7)
	day -= mod(dow-int64(first)+7, 7)

	reference := mod(int64(first)-epochWeekday, 7)
	index := floorDiv(day-reference, 7)
	return day - mod(index, weeks)*7
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
