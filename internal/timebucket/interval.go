package timebucket

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"market-watch/internal/apperrors"
)

const (
	secondsPerMinute = 60
	secondsPerHour   = 3600
	secondsPerDay    = 86400
	secondsPerWeek   = 604800

	// MaxWeeks bounds week intervals so bucket arithmetic stays inside int64.
	MaxWeeks = 52 * 100
)

// Unit is the calendar unit an interval is aligned on.
type Unit int

const (
	UnitSecond Unit = iota
	UnitMinute
	UnitHour
	UnitDay
	UnitWeek
)

var unitSeconds = map[Unit]int64{
	UnitSecond: 1,
	UnitMinute: secondsPerMinute,
	UnitHour:   secondsPerHour,
	UnitDay:    secondsPerDay,
	UnitWeek:   secondsPerWeek,
}

var unitSuffix = map[Unit]string{
	UnitSecond: "s",
	UnitMinute: "m",
	UnitHour:   "h",
	UnitDay:    "d",
	UnitWeek:   "w",
}

// Interval is a bucket width expressed as a count of a calendar unit.
type Interval struct {
	Count int64
	Unit  Unit
}

// FromSeconds derives the calendar unit from a width in seconds and validates it.
func FromSeconds(seconds int64) (Interval, error) {
	if seconds < 1 {
		return Interval{}, fmt.Errorf("%w: interval must be at least one second, got %d", apperrors.ErrInvalidConfiguration, seconds)
	}

	var unit Unit
	switch {
	case seconds < secondsPerMinute:
		unit = UnitSecond
	case seconds < secondsPerHour:
		unit = UnitMinute
	case seconds < secondsPerDay:
		unit = UnitHour
	case seconds < secondsPerWeek:
		unit = UnitDay
	default:
		unit = UnitWeek
	}

	size := unitSeconds[unit]
	if seconds%size != 0 {
		return Interval{}, fmt.Errorf("%w: %ds is not a whole number of %s", apperrors.ErrInvalidInterval, seconds, unit)
	}

	iv := Interval{Count: seconds / size, Unit: unit}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// Parse reads labels such as 30s, 15m, 1h, 1d and 2w.
func Parse(label string) (Interval, error) {
	label = strings.TrimSpace(label)
	if len(label) < 2 {
		return Interval{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidInterval, label)
	}

	n, err := strconv.ParseInt(label[:len(label)-1], 10, 64)
	if err != nil {
		return Interval{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidInterval, label)
	}

	var unit Unit
	switch label[len(label)-1] {
	case 's':
		unit = UnitSecond
	case 'm':
		unit = UnitMinute
	case 'h':
		unit = UnitHour
	case 'd':
		unit = UnitDay
	case 'w':
		unit = UnitWeek
	default:
		return Interval{}, fmt.Errorf("%w: unknown unit in %q", apperrors.ErrInvalidInterval, label)
	}

	if n < 1 {
		return Interval{}, fmt.Errorf("%w: interval must be positive, got %q", apperrors.ErrInvalidConfiguration, label)
	}

	iv := Interval{Count: n, Unit: unit}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// Validate enforces the calendar alignment rules: counts must divide the
// enclosing unit (60 seconds, 60 minutes, 24 hours) and day counts must stay
// below a week. Weeks run from 1 to MaxWeeks.
func (iv Interval) Validate() error {
	if iv.Count < 1 {
		return fmt.Errorf("%w: interval count must be positive, got %d", apperrors.ErrInvalidConfiguration, iv.Count)
	}

	var within int64
	switch iv.Unit {
	case UnitSecond, UnitMinute:
		within = 60
	case UnitHour:
		within = 24
	case UnitDay:
		if iv.Count >= 7 {
			return fmt.Errorf("%w: %s spans a whole week, use %dw", apperrors.ErrInvalidInterval, iv, iv.Count/7)
		}
		within = 7
	case UnitWeek:
		if iv.Count > MaxWeeks {
			return fmt.Errorf("%w: %s exceeds %d weeks", apperrors.ErrInvalidInterval, iv, MaxWeeks)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown unit %d", apperrors.ErrInvalidInterval, iv.Unit)
	}

	if within%iv.Count != 0 {
		return fmt.Errorf("%w: %s does not divide %d", apperrors.ErrInvalidInterval, iv, within)
	}
	return nil
}

// Seconds returns the bucket width in seconds.
func (iv Interval) Seconds() int64 {
	return iv.Count * unitSeconds[iv.Unit]
}

func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.Seconds()) * time.Second
}

func (iv Interval) String() string {
	return fmt.Sprintf("%d%s", iv.Count, unitSuffix[iv.Unit])
}

func (u Unit) String() string {
	switch u {
	case UnitSecond:
		return "seconds"
	case UnitMinute:
		return "minutes"
	case UnitHour:
		return "hours"
	case UnitDay:
		return "days"
	case UnitWeek:
		return "weeks"
	default:
		return "unknown"
	}
}
