// Package supervisor owns one provider's lifecycle: spawn, health-check,
// restart with backoff, and graceful teardown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/orchestrator/internal/provider"
)

// State mirrors the Provider status state machine.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is the read-only snapshot exposed to the Public API and Dispatcher.
type Status struct {
	Name            string
	Available       bool
	RestartCount    int
	LastActivityAt  time.Time
	State           State
}

// CatalogPublisher receives the provider's tool catalog on every
// successful (re)connect, and is told to drop it on removal. The Router
// implements this; Supervisor never imports Router to avoid the cyclic
// reference (see router.Router.SetGate).
type CatalogPublisher interface {
	Register(providerName string, client *provider.Client)
	Unregister(providerName string)
}

// RestartBudget bounds restarts per rolling window (default 5 restarts
// per 10 minutes).
type RestartBudget struct {
	Max    int
	Window time.Duration
}

func DefaultRestartBudget() RestartBudget {
	return RestartBudget{Max: 5, Window: 10 * time.Minute}
}

// Supervisor manages exactly one provider's process/connection lifecycle.
type Supervisor struct {
	cfg       provider.Config
	client    *provider.Client
	publisher CatalogPublisher
	logger    *slog.Logger
	budget    RestartBudget

	healthInterval time.Duration
	now            func() time.Time

	state          atomic.Int32
	mu             sync.Mutex
	restartTimes   []time.Time
	lastActivityAt time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option                  { return func(s *Supervisor) { s.logger = l } }
func WithRestartBudget(b RestartBudget) Option          { return func(s *Supervisor) { s.budget = b } }
func WithHealthInterval(d time.Duration) Option         { return func(s *Supervisor) { s.healthInterval = d } }
func WithNow(now func() time.Time) Option               { return func(s *Supervisor) { s.now = now } }

// New constructs a Supervisor for cfg. publisher may be nil for tests
// that only exercise lifecycle/backoff behavior.
func New(cfg provider.Config, publisher CatalogPublisher, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:            cfg,
		publisher:      publisher,
		logger:         slog.Default().With("component", "supervisor", "provider", cfg.Name),
		budget:         DefaultRestartBudget(),
		healthInterval: 30 * time.Second,
		now:            time.Now,
		stopChan:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Status returns a read-only snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:           s.cfg.Name,
		Available:      s.State() == StateReady,
		RestartCount:   len(s.restartTimes),
		LastActivityAt: s.lastActivityAt,
		State:          s.State(),
	}
}

// Start connects the provider and, on success, begins the health loop.
// Start's error is only fatal to the caller if cfg.Required is true;
// non-required failures leave the Supervisor in StateFailed and the
// caller should continue booting.
func (s *Supervisor) Start(ctx context.Context) error {
	s.state.Store(int32(StateStarting))

	client, err := provider.NewClient(s.cfg, s.logger)
	if err != nil {
		s.markFailed(err)
		if s.cfg.Required {
			return fmt.Errorf("required provider %s failed to start: %w", s.cfg.Name, err)
		}
		return nil
	}
	s.client = client

	if err := client.Connect(ctx); err != nil {
		s.markFailed(err)
		if s.cfg.Required {
			return fmt.Errorf("required provider %s failed to start: %w", s.cfg.Name, err)
		}
		return nil
	}

	s.markReady()
	if s.publisher != nil {
		s.publisher.Register(s.cfg.Name, client)
	}

	s.wg.Add(1)
	go s.healthLoop(ctx)
	return nil
}

// Stop tears down the connection and health loop.
func (s *Supervisor) Stop(ctx context.Context) error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.wg.Wait()

	if s.publisher != nil {
		s.publisher.Unregister(s.cfg.Name)
	}
	s.state.Store(int32(StateStopped))
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Supervisor) markReady() {
	s.mu.Lock()
	s.lastActivityAt = s.now()
	s.mu.Unlock()
	s.state.Store(int32(StateReady))
	s.logger.Info("provider ready")
}

func (s *Supervisor) markFailed(err error) {
	s.state.Store(int32(StateFailed))
	s.logger.Error("provider failed", "error", err)
}

// healthLoop probes on a fixed interval; a single failed probe triggers
// an immediate second probe, and two consecutive failures transition
// ready→failed and (for subprocess transport) attempt a restart bounded
// by the restart budget.
func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Supervisor) probe(ctx context.Context) {
	if s.client.HealthCheck(ctx) {
		s.mu.Lock()
		s.lastActivityAt = s.now()
		s.mu.Unlock()
		return
	}

	// First failure: immediate second probe.
	if s.client.HealthCheck(ctx) {
		s.mu.Lock()
		s.lastActivityAt = s.now()
		s.mu.Unlock()
		return
	}

	s.logger.Warn("provider failed two consecutive health probes")
	s.state.Store(int32(StateFailed))
	if s.publisher != nil {
		s.publisher.Unregister(s.cfg.Name)
	}

	if s.cfg.Transport != provider.TransportStdio {
		return
	}
	s.attemptRestart(ctx)
}

func (s *Supervisor) attemptRestart(ctx context.Context) {
	s.mu.Lock()
	cutoff := s.now().Add(-s.budget.Window)
	live := s.restartTimes[:0]
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	s.restartTimes = live
	if len(s.restartTimes) >= s.budget.Max {
		s.mu.Unlock()
		s.logger.Error("restart budget exhausted, requires manual intervention",
			"max", s.budget.Max, "window", s.budget.Window)
		return
	}
	attempt := len(s.restartTimes) + 1
	s.restartTimes = append(s.restartTimes, s.now())
	s.mu.Unlock()

	delay := exponentialBackoff(attempt)
	s.logger.Info("restarting provider", "attempt", attempt, "delay", delay)

	select {
	case <-time.After(delay):
	case <-s.stopChan:
		return
	case <-ctx.Done():
		return
	}

	_ = s.client.Close()
	client, err := provider.NewClient(s.cfg, s.logger)
	if err != nil {
		s.markFailed(err)
		return
	}
	s.client = client
	if err := client.Connect(ctx); err != nil {
		s.markFailed(err)
		return
	}
	s.markReady()
	if s.publisher != nil {
		s.publisher.Register(s.cfg.Name, client)
	}
}

// exponentialBackoff computes a jittered delay for the given 1-based
// restart attempt: 1s base, factor 2, capped at 60s, +-20% jitter.
func exponentialBackoff(attempt int) time.Duration {
	const (
		baseMs   = 1000.0
		factor   = 2.0
		maxMs    = 60000.0
		jitter   = 0.2
	)
	exp := math.Max(float64(attempt-1), 0)
	base := math.Min(maxMs, baseMs*math.Pow(factor, exp))
	delta := base * jitter * (rand.Float64()*2 - 1) // #nosec G404 -- jitter only
	total := math.Max(0, base+delta)
	return time.Duration(total) * time.Millisecond
}
