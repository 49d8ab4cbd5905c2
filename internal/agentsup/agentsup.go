// Package agentsup implements the Agent Supervisor: the
// peer-facing side of skill dispatch that forwards executeSkill calls
// to an LLM agent's HTTP control endpoint, short-circuiting on a Cost
// Monitor pause.
package agentsup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

// PauseChecker reports whether the target agent is currently paused by
// the Cost Monitor. internal/cost.Monitor satisfies this via a small
// adapter so agentsup never imports the cost package directly.
type PauseChecker interface {
	Paused() (paused bool, reason string)
}

// ExecuteSkillRequest is the body forwarded to an agent's
// POST /execute-skill endpoint.
type ExecuteSkillRequest struct {
	SkillID             string   `json:"skillId"`
	Instructions        string   `json:"instructions"`
	ExecutionPlan       []any    `json:"executionPlan,omitempty"`
	RequiredTools       []string `json:"requiredTools,omitempty"`
	MaxSteps            int      `json:"maxSteps,omitempty"`
	NotifyOnCompletion  bool     `json:"notifyOnCompletion"`
	NotifyChatID        string   `json:"notifyChatId,omitempty"`
}

// Config describes how to reach one agent peer.
type Config struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// Supervisor maintains a connection to one agent peer.
type Supervisor struct {
	cfg          Config
	httpClient   *http.Client
	pauseChecker PauseChecker
	logger       *slog.Logger
}

// New constructs a Supervisor for one agent peer. pauseChecker may be
// nil if the agent has no associated Cost Monitor.
func New(cfg Config, pauseChecker PauseChecker, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Supervisor{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: timeout},
		pauseChecker: pauseChecker,
		logger:       logger.With("component", "agent-supervisor", "agent", cfg.Name),
	}
}

// ExecuteSkill forwards req to the agent's /execute-skill endpoint,
// unless the Cost Monitor reports the agent paused, in which case no
// network call is made.
func (s *Supervisor) ExecuteSkill(ctx context.Context, req ExecuteSkillRequest) (orch.Envelope, error) {
	if s.pauseChecker != nil {
		if paused, reason := s.pauseChecker.Paused(); paused {
			return orch.Envelope{Success: false, Kind: orch.ErrCostPaused, Paused: true, Reason: reason}, nil
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return orch.Envelope{}, fmt.Errorf("encode execute-skill request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/execute-skill", bytes.NewReader(body))
	if err != nil {
		return orch.Envelope{}, fmt.Errorf("build execute-skill request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return orch.Envelope{}, fmt.Errorf("execute-skill call to %s: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return orch.Envelope{}, fmt.Errorf("read execute-skill response: %w", err)
	}

	var env orch.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return orch.Envelope{}, fmt.Errorf("parse execute-skill response: %w", err)
	}
	return env, nil
}
