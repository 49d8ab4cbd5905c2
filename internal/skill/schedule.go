package skill

import (
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// nextFireAt computes a skill's next due time from its trigger config:
// either a cron expression evaluated in its timezone, or
// `interval_minutes` added to `lastRunAt`. A skill that has never run
// (zero lastRunAt) is always due.
func nextFireAt(s Skill) (time.Time, error) {
	if s.LastRunAt.IsZero() {
		return time.Time{}, nil
	}

	if s.TriggerConfig.CronExpression != "" {
		loc := time.UTC
		if s.TriggerConfig.Timezone != "" {
			if l, err := time.LoadLocation(s.TriggerConfig.Timezone); err == nil {
				loc = l
			}
		}
		schedule, err := cronParser.Parse(s.TriggerConfig.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return schedule.Next(s.LastRunAt.In(loc)), nil
	}

	interval := time.Duration(s.TriggerConfig.IntervalMinutes) * time.Minute
	return s.LastRunAt.Add(interval), nil
}

// isDue reports whether s should fire now, given now. A skill observed
// disabled is never due, matching the poller invariant that a disabled
// skill mid-loop is treated as not-due.
func isDue(s Skill, now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.LastRunAt.IsZero() {
		return true
	}
	next, err := nextFireAt(s)
	if err != nil {
		return false
	}
	return !now.Before(next)
}
