package notify

import (
	"fmt"
	"time"
)

// HoursConfig declares when a tenant accepts notifications. Zero value
// allows delivery at any time.
type HoursConfig struct {
	Timezone string `json:"timezone,omitempty"`

	BusinessHoursEnabled bool   `json:"business_hours_enabled,omitempty"`
	BusinessStart        string `json:"business_start,omitempty"` // "09:00"
	BusinessEnd          string `json:"business_end,omitempty"`   // "18:00"
	// BusinessDays uses time.Weekday values (0 = Sunday).
	BusinessDays []int `json:"business_days,omitempty"`

	QuietHoursEnabled  bool   `json:"quiet_hours_enabled,omitempty"`
	QuietStart         string `json:"quiet_start,omitempty"` // "22:00"
	QuietEnd           string `json:"quiet_end,omitempty"`   // "07:00"
	QuietWeekendAllDay bool   `json:"quiet_weekend_all_day,omitempty"`

	ExceptCritical bool `json:"except_critical,omitempty"`
}

// ShouldNotifyNow decides whether a notification may be delivered at the
// given instant. Critical notifications bypass windows when ExceptCritical
// is set.
func ShouldNotifyNow(cfg HoursConfig, isCritical bool, now time.Time) bool {
	if isCritical && cfg.ExceptCritical {
		return true
	}

	local := now.In(cfg.location())

	if cfg.inQuietHours(local) {
		return false
	}
	if cfg.BusinessHoursEnabled && !cfg.inBusinessHours(local) {
		return false
	}
	return true
}

// NextNotificationWindow returns the next instant at which delivery would be
// allowed, stepping in 15-minute increments over at most 8 days.
func NextNotificationWindow(cfg HoursConfig, now time.Time) time.Time {
	if ShouldNotifyNow(cfg, false, now) {
		return now
	}
	probe := now.Truncate(15 * time.Minute)
	limit := now.Add(8 * 24 * time.Hour)
	for probe.Before(limit) {
		probe = probe.Add(15 * time.Minute)
		if ShouldNotifyNow(cfg, false, probe) {
			return probe
		}
	}
	return now
}

func (cfg HoursConfig) location() *time.Location {
	if cfg.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (cfg HoursConfig) inQuietHours(local time.Time) bool {
	if !cfg.QuietHoursEnabled {
		return false
	}
	if cfg.QuietWeekendAllDay {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return true
		}
	}
	start, err1 := minuteOfDay(cfg.QuietStart)
	end, err2 := minuteOfDay(cfg.QuietEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// Overnight window, e.g. 22:00 to 07:00.
	return minute >= start || minute < end
}

func (cfg HoursConfig) inBusinessHours(local time.Time) bool {
	if len(cfg.BusinessDays) > 0 {
		dayOK := false
		for _, d := range cfg.BusinessDays {
			if int(local.Weekday()) == d {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}
	start, err1 := minuteOfDay(cfg.BusinessStart)
	end, err2 := minuteOfDay(cfg.BusinessEnd)
	if err1 != nil || err2 != nil {
		return true
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end
}

func minuteOfDay(clock string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", clock)
	}
	return h*60 + m, nil
}
