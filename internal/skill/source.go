package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

// ToolCaller is the subset of the Tool Router the skill package depends
// on; internal/router.Router satisfies this.
type ToolCaller interface {
	RouteToolCall(ctx context.Context, exposedName string, args json.RawMessage) orch.Envelope
}

// Source mirrors the memory provider's skill store read-only: it owns
// no state of its own, only the read/update calls into that provider.
type Source struct {
	router     ToolCaller
	listTool   string
	updateTool string
}

// SourceOption configures a Source at construction.
type SourceOption func(*Source)

func WithListTool(name string) SourceOption   { return func(s *Source) { s.listTool = name } }
func WithUpdateTool(name string) SourceOption { return func(s *Source) { s.updateTool = name } }

// NewSource constructs a Source that lists and updates skills through
// router, by default via the memory provider's namespaced
// `memory_list_skills`/`memory_update_skill` tools.
func NewSource(router ToolCaller, opts ...SourceOption) *Source {
	s := &Source{router: router, listTool: "memory_list_skills", updateTool: "memory_update_skill"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListEnabledCronSkills returns every skill with enabled=true and
// triggerType=cron.
func (s *Source) ListEnabledCronSkills(ctx context.Context) ([]Skill, error) {
	env := s.router.RouteToolCall(ctx, s.listTool, json.RawMessage(`{"enabled":true,"triggerType":"cron"}`))
	if !env.Success {
		return nil, fmt.Errorf("list skills: %s", env.Error)
	}

	raw, err := json.Marshal(env.Data)
	if err != nil {
		return nil, fmt.Errorf("re-encode skill list: %w", err)
	}
	var skills []Skill
	if err := json.Unmarshal(raw, &skills); err != nil {
		return nil, fmt.Errorf("parse skill list: %w", err)
	}

	var due []Skill
	for _, sk := range skills {
		if sk.Enabled && sk.TriggerType == TriggerCron {
			due = append(due, sk)
		}
	}
	return due, nil
}

// RecordRunResult updates lastRunAt/lastRunStatus/lastRunSummary after
// a dispatch completes, success or failure. These fields only advance
// on dispatch completion, never mid-run.
func (s *Source) RecordRunResult(ctx context.Context, skillID, status, summary string, runAt time.Time) error {
	args, err := json.Marshal(map[string]any{
		"id":             skillID,
		"lastRunAt":      runAt.UTC().Format(time.RFC3339),
		"lastRunStatus":  status,
		"lastRunSummary": summary,
	})
	if err != nil {
		return err
	}
	env := s.router.RouteToolCall(ctx, s.updateTool, args)
	if !env.Success {
		return fmt.Errorf("update skill %s: %s", skillID, env.Error)
	}
	return nil
}

// RecordNotification updates lastNotifiedAt after a notification is sent.
func (s *Source) RecordNotification(ctx context.Context, skillID string, at time.Time) error {
	args, err := json.Marshal(map[string]any{
		"id":             skillID,
		"lastNotifiedAt": at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	env := s.router.RouteToolCall(ctx, s.updateTool, args)
	if !env.Success {
		return fmt.Errorf("update skill %s notification time: %s", skillID, env.Error)
	}
	return nil
}
