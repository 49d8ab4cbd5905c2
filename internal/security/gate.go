// Package security implements the Security Gate: a thin
// wrapper around a security provider's scan_content tool that derives a
// risk level and an allow/block decision, with a fail-open or
// fail-closed posture when the provider is unavailable.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/orchestrator/internal/provider"
)

// FailMode is the static (not per-request) posture taken when the
// security provider is unavailable or returns a malformed response.
type FailMode string

const (
	FailOpen   FailMode = "fail-open"
	FailClosed FailMode = "fail-closed"
)

// Risk is the closed set of risk levels the gate can report.
type Risk string

const (
	RiskNone   Risk = "none"
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Result is the gate's verdict for one piece of content.
type Result struct {
	Allowed bool     `json:"allowed"`
	Risk    Risk     `json:"risk"`
	Reason  string   `json:"reason,omitempty"`
	Threats []string `json:"threats,omitempty"`
}

// scanProviderResult is the shape returned by the security provider's
// scan_content tool.
type scanProviderResult struct {
	Safe       bool     `json:"safe"`
	Confidence float64  `json:"confidence"`
	Threats    []string `json:"threats"`
}

// Gate consults a designated security provider to screen free-form
// content before it reaches a sensitive tool call. The Router decides
// when to call Scan; the Gate has no opinion on scope.
type Gate struct {
	providerName string
	clients       ClientLookup
	failMode      FailMode
	logger        *slog.Logger
}

// ClientLookup resolves a provider by name; the Router's catalog plays
// this role in production, a map suffices in tests.
type ClientLookup interface {
	Provider(name string) (*provider.Client, bool)
}

// New constructs a Gate that scans through the named security provider.
func New(providerName string, clients ClientLookup, failMode FailMode, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		providerName: providerName,
		clients:      clients,
		failMode:     failMode,
		logger:       logger.With("component", "security-gate"),
	}
}

// Scan screens content (optionally attributing it to source, e.g. a
// provider or tool name) and returns the derived verdict.
func (g *Gate) Scan(ctx context.Context, content string, source string) Result {
	client, ok := g.clients.Provider(g.providerName)
	if !ok || !client.Connected() {
		return g.failureVerdict("security provider unavailable")
	}

	args, err := json.Marshal(map[string]any{"content": content, "source": source})
	if err != nil {
		return g.failureVerdict("failed to encode scan arguments")
	}

	call, err := client.CallTool(ctx, "scan_content", args)
	if err != nil {
		g.logger.Warn("scan_content call failed", "error", err)
		return g.failureVerdict(fmt.Sprintf("scan_content call failed: %v", err))
	}
	if !call.Success {
		g.logger.Warn("scan_content returned error envelope", "error", call.Error)
		return g.failureVerdict(call.Error)
	}

	var parsed scanProviderResult
	if err := json.Unmarshal(call.Data, &parsed); err != nil {
		return g.failureVerdict("malformed scan_content response")
	}

	risk := deriveRisk(parsed.Safe, parsed.Confidence, parsed.Threats)
	return Result{
		Allowed: risk == RiskNone || risk == RiskLow,
		Risk:    risk,
		Threats: parsed.Threats,
	}
}

// deriveRisk implements the gate's risk-derivation threshold table.
func deriveRisk(safe bool, confidence float64, threats []string) Risk {
	switch {
	case safe && len(threats) == 0:
		return RiskNone
	case !safe && confidence > 0.8:
		return RiskHigh
	case !safe && confidence > 0.5:
		return RiskMedium
	case !safe:
		return RiskLow
	case safe && confidence < 0.5:
		return RiskLow
	default:
		return RiskNone
	}
}

func (g *Gate) failureVerdict(reason string) Result {
	if g.failMode == FailClosed {
		return Result{Allowed: false, Risk: RiskHigh, Reason: reason}
	}
	return Result{Allowed: true, Risk: RiskNone, Reason: reason}
}
