package loom

import "time"

// Calendar helpers over the server's millisecond clock. Timers never
// consult the calendar; these exist for services that do.

// TimeOf converts a server timestamp to a local time.Time.
func TimeOf(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// DayStartMs returns the local midnight preceding ms.
func DayStartMs(ms int64) int64 {
	t := time.UnixMilli(ms)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).UnixMilli()
}

// IsSameDay reports whether two timestamps fall on the same local day.
func IsSameDay(a, b int64) bool {
	return DayStartMs(a) == DayStartMs(b)
}

// FormatMs renders a timestamp as "2006-01-02 15:04:05".
func FormatMs(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
