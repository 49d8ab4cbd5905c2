// Package router implements the Tool Router: catalog
// aggregation across provider clients, exposed-name namespacing with
// collision precedence, and the seven-step per-call dispatch pipeline.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/orchestrator/internal/provider"
	"github.com/haasonsaas/orchestrator/internal/security"
	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

// Route is one entry of the merged, namespaced catalog.
type Route struct {
	ExposedName  string
	ProviderName string
	OriginalName string
	Tool         provider.Tool
}

// Hint is advisory follow-up metadata injected into tool responses;
// hints never change call semantics.
type Hint struct {
	Suggest []string `json:"suggest,omitempty"`
	Tip     string   `json:"tip,omitempty"`
}

// Config configures the Router's static behavior: which providers are
// exempt from namespacing, which tools keep bare names regardless of
// provider, which tools require a security scan or cron-expression
// validation before dispatch, and the static response-hints table.
type Config struct {
	UnprefixedProviders map[string]bool
	CustomToolNames     map[string]bool
	SensitiveTools      map[string]bool
	CronValidatingTools map[string]bool
	SkillStoreTools     map[string]bool
	Hints               map[string]Hint
}

// registeredProvider tracks a provider's client alongside its
// registration order, used to break exposed-name collisions by
// first-loaded-wins precedence.
type registeredProvider struct {
	name   string
	client *provider.Client
	order  int
}

// Router is the single entry point for every inbound tool call.
type Router struct {
	cfg    Config
	logger *slog.Logger
	gate   *security.Gate

	mu          sync.RWMutex
	providers   map[string]*registeredProvider
	nextOrder   int
	routes      map[string]Route
	definitions []orch.ToolDef
}

// New constructs an empty Router; providers are added later via
// Register, avoiding a construction cycle with the Supervisor (the
// Router is built with no providers, then the Supervisor calls
// Register/Unregister on it as each provider connects or drops).
func New(cfg Config, gate *security.Gate, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UnprefixedProviders == nil {
		cfg.UnprefixedProviders = map[string]bool{}
	}
	if cfg.CustomToolNames == nil {
		cfg.CustomToolNames = map[string]bool{}
	}
	if cfg.SensitiveTools == nil {
		cfg.SensitiveTools = map[string]bool{}
	}
	if cfg.CronValidatingTools == nil {
		cfg.CronValidatingTools = map[string]bool{}
	}
	if cfg.SkillStoreTools == nil {
		cfg.SkillStoreTools = map[string]bool{}
	}
	if cfg.Hints == nil {
		cfg.Hints = map[string]Hint{}
	}
	return &Router{
		cfg:       cfg,
		logger:    logger.With("component", "router"),
		gate:      gate,
		providers: map[string]*registeredProvider{},
		routes:    map[string]Route{},
	}
}

// Register adds (or replaces) a provider client and rebuilds the
// catalog atomically. Implements supervisor.CatalogPublisher.
func (r *Router) Register(providerName string, client *provider.Client) {
	r.mu.Lock()
	if existing, ok := r.providers[providerName]; ok {
		existing.client = client
	} else {
		r.providers[providerName] = &registeredProvider{name: providerName, client: client, order: r.nextOrder}
		r.nextOrder++
	}
	r.mu.Unlock()
	r.rebuild()
}

// Unregister drops a provider and rebuilds the catalog. Implements
// supervisor.CatalogPublisher.
func (r *Router) Unregister(providerName string) {
	r.mu.Lock()
	delete(r.providers, providerName)
	r.mu.Unlock()
	r.rebuild()
}

// SetGate attaches the Security Gate after construction, breaking the
// cyclic dependency between Router and Gate (the Gate's ClientLookup
// is satisfied by this same Router). Call once during startup before
// any provider registers; safe to call with nil to disable scanning.
func (r *Router) SetGate(gate *security.Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = gate
}

// Provider implements security.ClientLookup.
func (r *Router) Provider(name string) (*provider.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	return p.client, true
}

// rebuild recomputes the merged, namespaced route table from scratch
// and swaps it in atomically (copy-on-rebuild; the Router itself holds
// no state machine, only this snapshot).
func (r *Router) rebuild() {
	r.mu.RLock()
	ordered := make([]*registeredProvider, 0, len(r.providers))
	for _, p := range r.providers {
		ordered = append(ordered, p)
	}
	r.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	routes := make(map[string]Route)
	var defs []orch.ToolDef

	for _, p := range ordered {
		for _, tool := range p.client.Tools() {
			exposed := r.exposedName(p.name, tool.Name)
			if existing, collision := routes[exposed]; collision {
				r.logger.Warn("tool name collision, dropping later provider's tool",
					"exposedName", exposed, "kept", existing.ProviderName, "dropped", p.name)
				continue
			}
			if err := validateInputSchema(tool.InputSchema); err != nil {
				r.logger.Warn("provider tool has an invalid inputSchema, keeping route anyway",
					"exposedName", exposed, "error", err)
			}

			routes[exposed] = Route{
				ExposedName:  exposed,
				ProviderName: p.name,
				OriginalName: tool.Name,
				Tool:         tool,
			}
			defs = append(defs, orch.ToolDef{
				ExposedName:  exposed,
				OriginalName: tool.Name,
				ProviderName: p.name,
				Description:  r.withHintFooter(exposed, tool.Description),
				InputSchema:  tool.InputSchema,
				Annotations:  tool.Annotations,
			})
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ExposedName < defs[j].ExposedName })

	r.mu.Lock()
	r.routes = routes
	r.definitions = defs
	r.mu.Unlock()
}

// exposedName implements the naming rule: `<provider>_<originalName>`
// unless the provider is in the unprefixed-provider set or the tool is
// flagged as a core custom tool, in which case the bare name is kept.
func (r *Router) exposedName(providerName, toolName string) string {
	if r.cfg.CustomToolNames[toolName] || r.cfg.UnprefixedProviders[providerName] {
		return toolName
	}
	return providerName + "_" + toolName
}

func (r *Router) withHintFooter(exposedName, description string) string {
	hint, ok := r.cfg.Hints[exposedName]
	if !ok || (len(hint.Suggest) == 0 && hint.Tip == "") {
		return description
	}
	var b strings.Builder
	b.WriteString(description)
	b.WriteString(" (")
	if len(hint.Suggest) > 0 {
		b.WriteString("see also: ")
		b.WriteString(strings.Join(hint.Suggest, ", "))
	}
	if hint.Tip != "" {
		if len(hint.Suggest) > 0 {
			b.WriteString("; ")
		}
		b.WriteString(hint.Tip)
	}
	b.WriteString(")")
	return b.String()
}

// GetToolDefinitions returns the merged catalog, schemas intact,
// descriptions carrying workflow-hint footers.
func (r *Router) GetToolDefinitions() []orch.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]orch.ToolDef, len(r.definitions))
	copy(out, r.definitions)
	return out
}

// HasRoute reports whether exposedName resolves to a live route.
func (r *Router) HasRoute(exposedName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[exposedName]
	return ok
}

func (r *Router) route(exposedName string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[exposedName]
	return route, ok
}

func (r *Router) availableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RouteToolCall is the single entry point for every inbound call,
// running the seven-step resolve/normalize/validate/scan/dispatch/
// enrich/post-validate pipeline below.
func (r *Router) RouteToolCall(ctx context.Context, exposedName string, args json.RawMessage) orch.Envelope {
	// Step 1: resolve.
	route, ok := r.route(exposedName)
	if !ok {
		return orch.NewRouteError(orch.ErrUnknownTool, fmt.Sprintf("unknown-tool: %q. available tools: %s",
			exposedName, strings.Join(r.availableNames(), ", "))).Envelope()
	}

	// Step 2: argument normalization.
	normalized, err := normalizeArguments(args)
	if err != nil {
		return orch.NewRouteError(orch.ErrValidation, fmt.Sprintf("invalid arguments: %v", err)).Envelope()
	}

	// Step 3: cron-expression validation for skill-store tools.
	if r.cfg.CronValidatingTools[exposedName] {
		if err := validateCronExpressions(normalized); err != nil {
			return orch.NewRouteError(orch.ErrValidation, err.Error()).Envelope()
		}
	}

	// Step 4: security scan, if the tool is sensitive.
	if r.cfg.SensitiveTools[exposedName] && r.gate != nil {
		verdict := r.gate.Scan(ctx, string(normalized), exposedName)
		if !verdict.Allowed {
			env := orch.NewRouteError(orch.ErrSecurityBlocked,
				fmt.Sprintf("blocked by security gate: risk=%s", verdict.Risk)).Envelope()
			env.Blocked = true
			env.Reason = verdict.Reason
			return env
		}
	}

	// Step 5: dispatch.
	client, ok := r.Provider(route.ProviderName)
	if !ok {
		return orch.NewRouteError(orch.ErrProviderUnavailable,
			fmt.Sprintf("provider-unavailable: %s", route.ProviderName)).Envelope()
	}
	result, err := client.CallTool(ctx, route.OriginalName, normalized)
	if err != nil {
		var timeoutErr *provider.TimeoutError
		if errors.As(err, &timeoutErr) {
			rerr := orch.NewRouteError(orch.ErrProviderTimeout, err.Error())
			rerr.Elapsed = timeoutErr.Elapsed.Milliseconds()
			rerr.Limit = timeoutErr.Limit.Milliseconds()
			return rerr.Envelope()
		}
		kind := orch.ErrProviderError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = orch.ErrProviderTimeout
		}
		return orch.NewRouteError(kind, err.Error()).Envelope()
	}
	if !result.Success {
		return orch.NewRouteError(orch.ErrProviderError, result.Error).Envelope()
	}

	// Step 6: unwrap + enrich with hints.
	data := r.enrichWithHints(exposedName, result.Data)

	// Step 7: post-validate skill-store payloads against the live route table.
	warning := r.postValidateSkillPayload(exposedName, data)

	env := orch.Envelope{Success: true, Data: data}
	if warning != "" {
		env.Reason = warning
	}
	return env
}

