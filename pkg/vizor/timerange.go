package vizor

import (
	"fmt"
	"time"
)

// Timeframes maps the specifiers accepted by StartEndTimes to their
// meaning.
var Timeframes = map[string]string{
	"minute":         "last minute",
	"hour":           "last hour",
	"day":            "last 24 hours until now",
	"week":           "last 7 days until now",
	"month":          "last 31 days until now",
	"previous-month": "previous calendar month",
	"-month":         "previous calendar month (alias)",
	"halfmonth":      "first 15 days of the current month",
	"current-day":    "current calendar day until now",
	"today":          "current calendar day until now (alias)",
	"current-month":  "current calendar month until now",
	"previous-day":   "previous calendar day",
	"yesterday":      "previous calendar day (alias)",
}

// StartEndTimes resolves a timeframe specifier into start and end unix
// timestamps, suitable for the time filters of searches and
// association listings.
func StartEndTimes(timeframe string) (start, end float64, err error) {
	return startEndTimes(timeframe, time.Now())
}

func startEndTimes(timeframe string, now time.Time) (float64, float64, error) {
	end := epochSeconds(now)
	loc := now.Location()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	switch timeframe {
	case "minute":
		return end - 60, end, nil
	case "hour":
		return end - 60*60, end, nil
	case "day":
		return end - 24*60*60, end, nil
	case "week":
		return end - 7*24*60*60, end, nil
	case "month":
		return end - 31*24*60*60, end, nil
	case "previous-month", "-month":
		prev := monthStart.AddDate(0, -1, 0)
		return epochSeconds(prev), epochSeconds(monthStart), nil
	case "halfmonth":
		mid := monthStart.AddDate(0, 0, 15)
		return epochSeconds(monthStart), epochSeconds(mid), nil
	case "current-day", "today":
		return epochSeconds(dayStart), end, nil
	case "current-month":
		return epochSeconds(monthStart), end, nil
	case "previous-day", "yesterday":
		prev := dayStart.AddDate(0, 0, -1)
		return epochSeconds(prev), epochSeconds(dayStart), nil
	}
	return 0, 0, fmt.Errorf("unknown timeframe %q", timeframe)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
