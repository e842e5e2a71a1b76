package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// defaultInterval is the tick period when the schedule cannot be parsed.
const defaultInterval = 5 * time.Minute

// parseSchedule turns a five-field cron expression into a tick interval.
// Supported shapes: "*/N * * * *" (every N minutes), "0 */N * * *" (every N
// hours) and "* * * * *" (every minute). Anything else falls back to the
// default with an error for the caller to log.
func parseSchedule(expr string) (time.Duration, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return defaultInterval, fmt.Errorf("schedule %q: want 5 fields, got %d", expr, len(fields))
	}

	minute, hour := fields[0], fields[1]

	if n, ok := stepOf(minute); ok && hour == "*" {
		if n < 1 || n > 59 {
			return defaultInterval, fmt.Errorf("schedule %q: minute step out of range", expr)
		}
		return time.Duration(n) * time.Minute, nil
	}
	if minute == "*" && hour == "*" {
		return time.Minute, nil
	}
	if minute == "0" {
		if hour == "*" {
			return time.Hour, nil
		}
		if n, ok := stepOf(hour); ok {
			if n < 1 || n > 23 {
				return defaultInterval, fmt.Errorf("schedule %q: hour step out of range", expr)
			}
			return time.Duration(n) * time.Hour, nil
		}
	}
	return defaultInterval, fmt.Errorf("unsupported schedule %q", expr)
}

func stepOf(field string) (int, bool) {
	if !strings.HasPrefix(field, "*/") {
		return 0, false
	}
	n, err := strconv.Atoi(field[2:])
	if err != nil {
		return 0, false
	}
	return n, true
}
