// Package skill implements the Skill record mirror, the Skill Cron
// Poller, and the Skill Dispatcher.
package skill

import (
	"encoding/json"
	"time"
)

// TriggerType is the closed set of ways a skill can fire.
type TriggerType string

const (
	TriggerCron   TriggerType = "cron"
	TriggerManual TriggerType = "manual"
	TriggerEvent  TriggerType = "event"
)

// TriggerConfig carries either a cron expression or an interval, never
// both (Skill record).
type TriggerConfig struct {
	CronExpression  string `json:"cronExpression,omitempty"`
	IntervalMinutes int    `json:"intervalMinutes,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// Step is one entry of a direct-tier execution plan.
type Step struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"toolName"`
	Parameters json.RawMessage `json:"parameters"`
}

// Skill is the read-only mirror of a skill record owned by the memory
// provider.
type Skill struct {
	ID                     string        `json:"id"`
	AgentID                string        `json:"agentId"`
	Name                   string        `json:"name"`
	Enabled                bool          `json:"enabled"`
	TriggerType            TriggerType   `json:"triggerType"`
	TriggerConfig          TriggerConfig `json:"triggerConfig"`
	Instructions           string        `json:"instructions"`
	RequiredTools          []string      `json:"requiredTools,omitempty"`
	ExecutionPlan          []Step        `json:"executionPlan,omitempty"`
	MaxSteps               int           `json:"maxSteps,omitempty"`
	NotifyOnCompletion     bool          `json:"notifyOnCompletion"`
	NotifyIntervalMinutes  *int          `json:"notifyIntervalMinutes,omitempty"`
	NotifyChatID           string        `json:"notifyChatId,omitempty"`
	LastRunAt              time.Time     `json:"lastRunAt"`
	LastRunStatus          string        `json:"lastRunStatus,omitempty"`
	LastRunSummary         string        `json:"lastRunSummary,omitempty"`
	LastNotifiedAt         time.Time     `json:"lastNotifiedAt"`
}

// IsDirectTier reports whether this skill dispatches via a deterministic
// execution plan rather than delegating to an agent.
func (s Skill) IsDirectTier() bool { return len(s.ExecutionPlan) > 0 }
