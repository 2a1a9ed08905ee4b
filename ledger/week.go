package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// WEEK ID - aggregation key for weekly rewards
// =============================================================================

// WeekID is the UTC date of the Sunday that starts a calendar week, formatted
// as 2006-01-02. String order equals chronological order.
type WeekID string

const weekLayout = "2006-01-02"

// WeekOf returns the week containing the unix timestamp.
func WeekOf(unix int64) WeekID {
	return weekOfTime(time.Unix(unix, 0))
}

// CurrentWeek returns the week containing now.
func CurrentWeek(now time.Time) WeekID {
	return weekOfTime(now)
}

func weekOfTime(t time.Time) WeekID {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	start := day.AddDate(0, 0, -int(day.Weekday()))
	return WeekID(start.Format(weekLayout))
}

// ParseWeekID validates s and rejects dates that are not a week start.
func ParseWeekID(s string) (WeekID, error) {
	t, err := time.Parse(weekLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid week id %q: %w", s, err)
	}
	if t.Weekday() != time.Sunday {
		return "", fmt.Errorf("invalid week id %q: %s is not a week start", s, t.Weekday())
	}
	return WeekID(s), nil
}

// Start returns midnight UTC of the week's first day.
func (w WeekID) Start() time.Time {
	t, err := time.Parse(weekLayout, string(w))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Previous returns the immediately preceding week.
func (w WeekID) Previous() WeekID {
	return WeekID(w.Start().AddDate(0, 0, -7).Format(weekLayout))
}

func (w WeekID) String() string { return string(w) }
