// Package main provides the CLI entry point for the tool-routing and
// skill-execution control plane.
//
// The Orchestrator sits between a set of capability providers (MCP-style
// tool processes reached over stdio or HTTP) and the agents that call
// them: it aggregates their tool catalogs into one namespaced surface,
// screens sensitive calls through a security provider, tracks per-agent
// token spend, and runs scheduled skills either directly or by
// delegating to an agent peer.
//
// # Basic Usage
//
// Start the server:
//
//	orchestrator serve --config orchestrator.yaml
//
// # Environment Variables
//
// Configuration can be overridden via environment variables:
//
//   - DATA_DIR, LOG_DIR
//   - AUTH_TOKEN
//   - RATE_LIMIT_RPM, MAX_BODY_BYTES
//   - POLLER_INTERVAL_MS, PROVIDER_HEALTH_INTERVAL_MS
//   - FAIL_MODE
//   - ORCHESTRATOR_HOST, ORCHESTRATOR_PORT
//   - ORCHESTRATOR_JWT_SECRET, ORCHESTRATOR_PROVIDERS_PATH
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/orchestrator/internal/agentsup"
	"github.com/haasonsaas/orchestrator/internal/apiserver"
	"github.com/haasonsaas/orchestrator/internal/config"
	"github.com/haasonsaas/orchestrator/internal/cost"
	"github.com/haasonsaas/orchestrator/internal/eventbus"
	"github.com/haasonsaas/orchestrator/internal/hotreload"
	"github.com/haasonsaas/orchestrator/internal/provider"
	"github.com/haasonsaas/orchestrator/internal/ratelimiter"
	"github.com/haasonsaas/orchestrator/internal/router"
	"github.com/haasonsaas/orchestrator/internal/security"
	"github.com/haasonsaas/orchestrator/internal/skill"
	"github.com/haasonsaas/orchestrator/internal/supervisor"
	"github.com/haasonsaas/orchestrator/internal/taskqueue"
	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with the serve subcommand attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Tool-routing and skill-execution control plane",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		Long: `Start the orchestrator server.

The server will:
1. Load configuration from the specified file
2. Build the component graph (Router, Security Gate, Supervisors, Cost
   Monitor, Task Queue, Rate Limiter, Skill Poller)
3. Watch the provider config file for hot-reload
4. Serve the Public API (/tools/list, /tools/call, /status, /health,
   /ws/events)

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	slog.Info("starting orchestrator", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if err := setupLogging(cfg.Logging, level); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New(slog.Default())

	// Router is constructed with no gate and no providers. The Gate
	// needs a ClientLookup the Router itself satisfies, so the Gate is
	// built second and attached via SetGate, breaking the
	// construction cycle; providers are registered later still, by the
	// hot-reload callbacks below.
	routerCfg := router.Config{
		UnprefixedProviders: map[string]bool{"memory": true},
		CustomToolNames: map[string]bool{
			"get_status":       true,
			"queue_task":       true,
			"get_job_status":   true,
			"get_tool_catalog": true,
			"spawn_subagent":   true,
			"trigger_backfill": true,
		},
		SensitiveTools:      map[string]bool{},
		CronValidatingTools: map[string]bool{"memory_update_skill": true},
		SkillStoreTools:     map[string]bool{"memory_list_skills": true, "memory_update_skill": true},
	}
	rt := router.New(routerCfg, nil, slog.Default())

	failMode := security.FailClosed
	if cfg.Security.FailMode == "open" {
		failMode = security.FailOpen
	}
	gate := security.New(cfg.Security.ProviderName, rt, failMode, slog.Default())
	rt.SetGate(gate)

	// Cost Monitor is keyed per agent, one ring of buckets per
	// statically-configured peer; the Agent Supervisor consults its own
	// monitor before every executeSkill forward.
	costMonitors := map[string]*cost.Monitor{}
	agentSupervisors := map[string]*agentsup.Supervisor{}
	for _, a := range cfg.Agents {
		monitor := cost.New(cost.Config{
			Enabled:               a.CostMonitor.Enabled,
			HardCapTokensPerHour:  a.CostMonitor.HardCapTokensPerHour,
			MinimumBaselineTokens: a.CostMonitor.MinimumBaselineTokens,
			ShortWindowMinutes:    int64(a.CostMonitor.ShortWindowMinutes),
			SpikeMultiplier:       a.CostMonitor.SpikeMultiplier,
			MinimumBaselineRate:   a.CostMonitor.MinimumBaselineRate,
		})
		costMonitors[a.ID] = monitor
		agentSupervisors[a.ID] = agentsup.New(agentsup.Config{
			Name:    a.ID,
			BaseURL: a.BaseURL,
			Timeout: a.Timeout,
		}, costPauseAdapter{monitor: monitor}, slog.Default())
	}

	resolveAgent := func(agentID string) (skill.AgentExecutor, bool) {
		sup, ok := agentSupervisors[agentID]
		return sup, ok
	}

	source := skill.NewSource(rt)
	dispatcher := skill.NewDispatcher(rt, resolveAgent, skill.WithEventBus(bus))
	poller := skill.NewPoller(source, dispatcher, skill.WithInterval(cfg.Poller.Interval))

	supervisors := newSupervisorRegistry()
	scanState := taskqueue.NewScanState(cfg.Data.Dir)

	watcherCallbacks := &providerCallbacks{
		ctx:            ctx,
		router:         rt,
		supervisors:    supervisors,
		scanState:      scanState,
		healthInterval: cfg.Providers.HealthInterval,
		logger:         slog.Default(),
	}
	watcher := hotreload.New(cfg.Providers.ConfigPath, watcherCallbacks, hotreload.WithLogger(slog.Default()))
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start hot-reload watcher: %w", err)
	}
	defer watcher.Stop()

	queue := taskqueue.New(cfg.Data.Dir, bus)

	jobStore := taskqueue.NewJobStore(cfg.Data.Dir)
	jobPoller := taskqueue.NewJobPoller(jobStore, bus, taskqueue.WithJobPollerInterval(cfg.Poller.Interval))
	jobPoller.Start(ctx)
	defer jobPoller.Stop()

	limiter := ratelimiter.New(ratelimiter.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Enabled:           cfg.RateLimit.Enabled,
	})
	stopPruner := make(chan struct{})
	limiter.StartPruner(stopPruner)
	defer close(stopPruner)

	poller.Start(ctx)
	defer poller.Stop()

	status := &statusProvider{
		supervisors:  supervisors,
		router:       rt,
		security:     cfg.Security,
		startedAt:    time.Now(),
		costMonitors: costMonitors,
	}

	apiSrv := apiserver.New(apiserver.Config{
		Router:       rt,
		Queue:        queue,
		Limiter:      limiter,
		Status:       status,
		AuthToken:    cfg.Auth.Token,
		JWTSecret:    cfg.Auth.JWTSecret,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       slog.Default(),
		Events:       bus,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("orchestrator started", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiSrv.ListenAndServe(ctx, addr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server exited: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for name, sup := range supervisors.snapshot() {
		if err := sup.Stop(shutdownCtx); err != nil {
			slog.Warn("provider shutdown error", "provider", name, "error", err)
		}
	}
	return nil
}

// setupLogging installs the default slog handler. When logging.dir (or
// LOG_DIR) is set, log lines go to both stderr and <dir>/orchestrator.log,
// mirroring the teacher daemon's split stdout/stderr-to-file convention
// (internal/daemon.resolveLogPaths) adapted to this process's single
// structured stream.
func setupLogging(cfg config.LoggingConfig, level slog.Level) error {
	w := io.Writer(os.Stderr)
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Dir, "orchestrator.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

// supervisorRegistry guards the provider-name -> Supervisor map with a
// read-write mutex. It's written from the hot-reload watcher goroutine
// (OnAdded/OnRemoved) and read from concurrent HTTP handler goroutines
// (statusProvider.Status) and the shutdown loop, so a bare map would
// race; readers take a short read lock and work off a snapshot copy.
type supervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*supervisor.Supervisor
}

func newSupervisorRegistry() *supervisorRegistry {
	return &supervisorRegistry{m: map[string]*supervisor.Supervisor{}}
}

func (r *supervisorRegistry) set(name string, sup *supervisor.Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = sup
}

func (r *supervisorRegistry) delete(name string) (*supervisor.Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.m[name]
	if ok {
		delete(r.m, name)
	}
	return sup, ok
}

// snapshot returns a shallow copy safe for the caller to range over
// without holding the registry's lock.
func (r *supervisorRegistry) snapshot() map[string]*supervisor.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*supervisor.Supervisor, len(r.m))
	for name, sup := range r.m {
		out[name] = sup
	}
	return out
}

// providerCallbacks implements hotreload.Callbacks: it starts/stops a
// Supervisor per provider and wires it to the shared Router.
type providerCallbacks struct {
	ctx            context.Context
	router         *router.Router
	supervisors    *supervisorRegistry
	scanState      *taskqueue.ScanState
	healthInterval time.Duration
	logger         *slog.Logger
}

func (p *providerCallbacks) OnAdded(cfg orch.ProviderConfig) {
	sup := supervisor.New(toProviderConfig(cfg), p.router,
		supervisor.WithLogger(p.logger), supervisor.WithHealthInterval(p.healthInterval))
	p.supervisors.set(cfg.Name, sup)
	if err := sup.Start(p.ctx); err != nil {
		p.logger.Error("provider failed to start", "provider", cfg.Name, "error", err)
		return
	}
	if p.scanState != nil {
		if err := p.scanState.MarkScanned(cfg.Name); err != nil {
			p.logger.Warn("failed to record project scan state", "provider", cfg.Name, "error", err)
		}
	}
}

func (p *providerCallbacks) OnRemoved(name string) {
	sup, ok := p.supervisors.delete(name)
	if !ok {
		return
	}
	if err := sup.Stop(p.ctx); err != nil {
		p.logger.Warn("provider failed to stop cleanly", "provider", name, "error", err)
	}
	p.router.Unregister(name)
}

func toProviderConfig(cfg orch.ProviderConfig) provider.Config {
	pc := provider.Config{
		Name:      cfg.Name,
		Command:   cfg.Command,
		Env:       cfg.Env,
		URL:       cfg.URL,
		Required:  cfg.Required,
		Sensitive: cfg.Sensitive,
		Metadata:  cfg.Metadata,
	}
	switch cfg.Transport {
	case orch.TransportHTTP:
		pc.Transport = provider.TransportHTTP
	default:
		pc.Transport = provider.TransportStdio
	}
	if cfg.Timeout > 0 {
		pc.Timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	return pc
}

// costPauseAdapter lets agentsup.Supervisor consult a cost.Monitor
// without importing the cost package directly.
type costPauseAdapter struct{ monitor *cost.Monitor }

var _ agentsup.PauseChecker = costPauseAdapter{}

func (a costPauseAdapter) Paused() (bool, string) {
	state := a.monitor.State()
	return state.Paused, state.Reason
}

// statusProvider aggregates supervisor state into the Public API's
// /status snapshot.
type statusProvider struct {
	supervisors  *supervisorRegistry
	router       *router.Router
	security     config.SecurityConfig
	startedAt    time.Time
	costMonitors map[string]*cost.Monitor
}

func (s *statusProvider) Status() apiserver.StatusReport {
	snapshot := s.supervisors.snapshot()
	providers := make(map[string]apiserver.ProviderState, len(snapshot))
	for name, sup := range snapshot {
		providers[name] = apiserver.ProviderState{State: sup.State().String()}
	}
	agents := make(map[string]string, len(s.costMonitors))
	for id, monitor := range s.costMonitors {
		state := monitor.State()
		if state.Paused {
			agents[id] = fmt.Sprintf("paused: %s", state.Reason)
		} else {
			agents[id] = "active"
		}
	}
	return apiserver.StatusReport{
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		Providers:       providers,
		Agents:          agents,
		SecurityPosture: s.security.FailMode,
		ToolCount:       len(s.router.GetToolDefinitions()),
	}
}
