package skill

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller implements the Skill Cron Poller: a 60s
// drift-tolerant loop that fires due, enabled, cron-triggered skills
// through the Dispatcher, with at most one concurrent execution per
// skillId.
type Poller struct {
	source     *Source
	dispatcher *Dispatcher
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Poller at construction.
type Option func(*Poller)

func WithInterval(d time.Duration) Option { return func(p *Poller) { p.interval = d } }
func WithNow(now func() time.Time) Option { return func(p *Poller) { p.now = now } }
func WithPollerLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

// NewPoller constructs a Poller.
func NewPoller(source *Source, dispatcher *Dispatcher, opts ...Option) *Poller {
	p := &Poller{
		source:     source,
		dispatcher: dispatcher,
		interval:   60 * time.Second,
		now:        time.Now,
		logger:     slog.Default().With("component", "skill-poller"),
		inFlight:   map[string]struct{}{},
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the poll loop. It computes its own schedule from a fixed
// ticker rather than chaining sleeps, so a slow tick never compounds
// drift into subsequent ticks.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for any in-progress tick to return
// (in-flight dispatches started by that tick continue independently).
func (p *Poller) Stop() {
	select {
	case <-p.stopChan:
	default:
		close(p.stopChan)
	}
	p.wg.Wait()
}

// tick lists due skills and fires each exactly once, skipping any
// skillId that already has a dispatch in flight.
func (p *Poller) tick(ctx context.Context) {
	skills, err := p.source.ListEnabledCronSkills(ctx)
	if err != nil {
		p.logger.Error("list enabled cron skills failed", "error", err)
		return
	}

	now := p.now()
	for _, s := range skills {
		if !isDue(s, now) {
			continue
		}
		if !p.tryAcquire(s.ID) {
			p.logger.Debug("skipping tick, execution already in flight", "skillId", s.ID)
			continue
		}
		go p.run(ctx, s)
	}
}

func (p *Poller) tryAcquire(skillID string) bool {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	if _, busy := p.inFlight[skillID]; busy {
		return false
	}
	p.inFlight[skillID] = struct{}{}
	return true
}

func (p *Poller) release(skillID string) {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	delete(p.inFlight, skillID)
}

func (p *Poller) run(ctx context.Context, s Skill) {
	defer p.release(s.ID)

	result := p.dispatcher.Dispatch(ctx, s)
	if result.Status == "paused" {
		// The agent was cost-paused; don't advance lastRunAt so the skill
		// remains due and retries on the next tick.
		return
	}

	completedAt := p.now()
	if err := p.source.RecordRunResult(ctx, s.ID, result.Status, result.Summary, completedAt); err != nil {
		p.logger.Error("failed to record skill run result", "skillId", s.ID, "error", err)
	}

	s.LastRunAt = completedAt
	if ShouldNotify(s, completedAt) {
		if err := p.dispatcher.Notify(ctx, s, result); err != nil {
			p.logger.Warn("completion notification failed", "skillId", s.ID, "error", err)
			return
		}
		if err := p.source.RecordNotification(ctx, s.ID, completedAt); err != nil {
			p.logger.Warn("failed to record notification time", "skillId", s.ID, "error", err)
		}
	}
}
