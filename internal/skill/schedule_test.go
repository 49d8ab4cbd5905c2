package skill

import (
	"testing"
	"time"
)

func TestIntervalBoundary59sNotDue61sDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)

	notDue := Skill{Enabled: true, LastRunAt: now.Add(-59 * time.Second), TriggerConfig: TriggerConfig{IntervalMinutes: 1}}
	if isDue(notDue, now) {
		t.Fatal("expected skill with lastRunAt 59s ago not due at interval=1m")
	}

	due := Skill{Enabled: true, LastRunAt: now.Add(-61 * time.Second), TriggerConfig: TriggerConfig{IntervalMinutes: 1}}
	if !isDue(due, now) {
		t.Fatal("expected skill with lastRunAt 61s ago to be due at interval=1m")
	}
}

func TestNeverRunSkillIsAlwaysDue(t *testing.T) {
	now := time.Now()
	s := Skill{Enabled: true, TriggerConfig: TriggerConfig{IntervalMinutes: 60}}
	if !isDue(s, now) {
		t.Fatal("expected never-run skill to be due immediately")
	}
}

func TestDisabledSkillNeverDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	s := Skill{Enabled: false, LastRunAt: now.Add(-time.Hour), TriggerConfig: TriggerConfig{IntervalMinutes: 1}}
	if isDue(s, now) {
		t.Fatal("expected disabled skill to never be due")
	}
}

func TestCronExpressionDue(t *testing.T) {
	lastRun := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 0, 1, 1, 0, time.UTC) // just past the next minute boundary
	s := Skill{Enabled: true, LastRunAt: lastRun, TriggerConfig: TriggerConfig{CronExpression: "* * * * *"}}
	if !isDue(s, now) {
		t.Fatal("expected every-minute cron skill to be due a minute and a second later")
	}
}
