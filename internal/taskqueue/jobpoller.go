package taskqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/orchestrator/internal/eventbus"
)

// jobExecutePayload is what's published to the event bus for each
// firing; the external workflow engine reads jobId/action from it.
type jobExecutePayload struct {
	JobID  string          `json:"jobId"`
	Action json.RawMessage `json:"action"`
}

// JobPoller is the Job record store's own cron-drift-tolerant loop: a
// periodic scan for due jobs, one publish per firing, grounded on the
// same fixed-ticker shape as the Skill Cron Poller (internal/skill.Poller).
type JobPoller struct {
	store    *JobStore
	bus      eventbus.Publisher
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// JobPollerOption configures a JobPoller at construction.
type JobPollerOption func(*JobPoller)

func WithJobPollerInterval(d time.Duration) JobPollerOption {
	return func(p *JobPoller) { p.interval = d }
}
func WithJobPollerNow(now func() time.Time) JobPollerOption {
	return func(p *JobPoller) { p.now = now }
}
func WithJobPollerLogger(l *slog.Logger) JobPollerOption {
	return func(p *JobPoller) { p.logger = l }
}

// NewJobPoller constructs a JobPoller.
func NewJobPoller(store *JobStore, bus eventbus.Publisher, opts ...JobPollerOption) *JobPoller {
	p := &JobPoller{
		store:    store,
		bus:      bus,
		interval: 60 * time.Second,
		now:      time.Now,
		logger:   slog.Default().With("component", "job-poller"),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the poll loop.
func (p *JobPoller) Start(ctx context.Context) {
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
				p.tick()
			}
		}
	}()
}

// Stop halts the poll loop.
func (p *JobPoller) Stop() {
	select {
	case <-p.stopChan:
	default:
		close(p.stopChan)
	}
	p.wg.Wait()
}

func (p *JobPoller) tick() {
	now := p.now()
	due, err := p.store.ListDue(now)
	if err != nil {
		p.logger.Error("list due jobs failed", "error", err)
		return
	}
	for _, job := range due {
		if p.bus != nil {
			if err := p.bus.Publish(job.topic(), jobExecutePayload{JobID: job.ID, Action: job.Action}); err != nil {
				p.logger.Error("publish job execute event failed", "jobId", job.ID, "error", err)
				continue
			}
		}
		if _, err := p.store.RecordRun(job.ID, now); err != nil {
			p.logger.Error("record job run failed", "jobId", job.ID, "error", err)
		}
	}
}
