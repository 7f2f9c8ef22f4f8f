package records

import "time"

func parseDate(date string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", date, time.UTC)
}

func hourDuration(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
