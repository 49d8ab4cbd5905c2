package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/orchestrator/internal/agentsup"
	"github.com/haasonsaas/orchestrator/internal/eventbus"
	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

// AgentExecutor is the subset of internal/agentsup.Supervisor the
// Dispatcher needs.
type AgentExecutor interface {
	ExecuteSkill(ctx context.Context, req agentsup.ExecuteSkillRequest) (orch.Envelope, error)
}

// AgentResolver looks up the agent peer responsible for a given agentId.
type AgentResolver func(agentID string) (AgentExecutor, bool)

// Dispatcher implements the direct-tier/agent-tier execution and the
// completion notification for a skill run.
type Dispatcher struct {
	router       ToolCaller
	resolveAgent AgentResolver
	messageTool  string
	logger       *slog.Logger
	bus          eventbus.Publisher
}

// DispatcherOption configures a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

func WithMessageTool(name string) DispatcherOption {
	return func(d *Dispatcher) { d.messageTool = name }
}

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithEventBus makes the Dispatcher publish "skill.dispatch.start" and
// "skill.dispatch.complete" events around every run, so an operator can
// watch progress over the WS events stream without polling /status.
func WithEventBus(bus eventbus.Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.bus = bus }
}

// NewDispatcher constructs a Dispatcher. resolveAgent may be nil if no
// agent-tier skills are expected.
func NewDispatcher(router ToolCaller, resolveAgent AgentResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		router:       router,
		resolveAgent: resolveAgent,
		messageTool:  "messaging_send_message",
		logger:       slog.Default().With("component", "skill-dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) publish(name string, payload any) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(name, payload); err != nil {
		d.logger.Warn("failed to publish event", "event", name, "error", err)
	}
}

// RunResult is the outcome of one dispatch.
type RunResult struct {
	Status  string // "success", "error", or "paused"
	Summary string
}

// Dispatch runs s through direct-tier or agent-tier execution.
// A direct-tier skill with an empty executionPlan is treated as
// agent-tier.
func (d *Dispatcher) Dispatch(ctx context.Context, s Skill) RunResult {
	tier := "agent"
	if s.IsDirectTier() {
		tier = "direct"
	}
	d.publish("skill.dispatch.start", map[string]any{"skillId": s.ID, "name": s.Name, "tier": tier})

	var result RunResult
	if s.IsDirectTier() {
		result = d.dispatchDirect(ctx, s)
	} else {
		result = d.dispatchAgent(ctx, s)
	}

	d.publish("skill.dispatch.complete", map[string]any{
		"skillId": s.ID, "name": s.Name, "tier": tier,
		"status": result.Status, "summary": result.Summary,
	})
	return result
}

func (d *Dispatcher) dispatchDirect(ctx context.Context, s Skill) RunResult {
	for _, step := range s.ExecutionPlan {
		env := d.router.RouteToolCall(ctx, step.ToolName, step.Parameters)
		if !env.Success {
			return RunResult{
				Status:  "error",
				Summary: fmt.Sprintf("Direct execution — %s: %s", step.ID, env.Error),
			}
		}
	}
	return RunResult{Status: "success", Summary: "Direct execution completed successfully"}
}

func (d *Dispatcher) dispatchAgent(ctx context.Context, s Skill) RunResult {
	if d.resolveAgent == nil {
		return RunResult{Status: "error", Summary: "no agent resolver configured"}
	}
	agent, ok := d.resolveAgent(s.AgentID)
	if !ok {
		return RunResult{Status: "error", Summary: fmt.Sprintf("agent %s unavailable", s.AgentID)}
	}

	env, err := agent.ExecuteSkill(ctx, agentsup.ExecuteSkillRequest{
		SkillID:       s.ID,
		Instructions:  s.Instructions,
		RequiredTools: s.RequiredTools,
		MaxSteps:      s.MaxSteps,
	})
	if err != nil {
		return RunResult{Status: "error", Summary: err.Error()}
	}
	if env.Paused {
		return RunResult{Status: "paused", Summary: env.Reason}
	}

	var payload struct {
		Summary string `json:"summary"`
	}
	_ = json.Unmarshal(mustMarshal(env.Data), &payload)

	if !env.Success {
		summary := env.Error
		if summary == "" {
			summary = payload.Summary
		}
		return RunResult{Status: "error", Summary: summary}
	}
	return RunResult{Status: "success", Summary: payload.Summary}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// ShouldNotify reports whether a completion notification is due for s,
// given now (notifyOnCompletion is true, and either no
// notifyIntervalMinutes is set, or the cooldown has elapsed).
func ShouldNotify(s Skill, now time.Time) bool {
	if !s.NotifyOnCompletion {
		return false
	}
	if s.NotifyIntervalMinutes == nil {
		return true
	}
	if s.LastNotifiedAt.IsZero() {
		return true
	}
	cooldown := time.Duration(*s.NotifyIntervalMinutes) * time.Minute
	return !now.Before(s.LastNotifiedAt.Add(cooldown))
}

// Notify sends a completion notification via the messaging provider's
// send_message tool, containing the skill name, status, and a summary
// excerpt.
func (d *Dispatcher) Notify(ctx context.Context, s Skill, result RunResult) error {
	excerpt := result.Summary
	const maxExcerpt = 200
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt] + "…"
	}
	text := fmt.Sprintf("Skill %q %s: %s", s.Name, result.Status, excerpt)

	args, err := json.Marshal(map[string]any{"chat_id": s.NotifyChatID, "text": text})
	if err != nil {
		return err
	}
	env := d.router.RouteToolCall(ctx, d.messageTool, args)
	if !env.Success {
		return fmt.Errorf("send completion notification: %s", env.Error)
	}
	return nil
}
