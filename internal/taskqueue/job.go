package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// JobType is the closed set of persistent-job trigger kinds.
type JobType string

const (
	JobCron      JobType = "cron"
	JobScheduled JobType = "scheduled"
	JobRecurring JobType = "recurring"
)

var jobCronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is the persisted record of one cron/scheduled/recurring unit of
// background work, distinct from a one-shot Task: a Job outlives any
// single firing and re-arms itself until disabled, expired, or its
// maxRuns budget is exhausted.
type Job struct {
	ID             string          `json:"jobId"`
	Name           string          `json:"name"`
	Type           JobType         `json:"type"`
	CronExpression string          `json:"cronExpression,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	ScheduledAt    time.Time       `json:"scheduledAt,omitempty"`
	Action         json.RawMessage `json:"action"`
	Enabled        bool            `json:"enabled"`
	RunCount       int             `json:"runCount"`
	MaxRuns        int             `json:"maxRuns,omitempty"`
	ExpiresAt      time.Time       `json:"expiresAt,omitempty"`
	LastRunAt      time.Time       `json:"lastRunAt,omitempty"`
	NextRunAt      time.Time       `json:"nextRunAt,omitempty"`
}

// eligible reports whether j may fire at all, independent of timing:
// disabled, expired, or exhausted jobs are never fired.
func (j *Job) eligible(now time.Time) bool {
	if !j.Enabled {
		return false
	}
	if !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt) {
		return false
	}
	if j.MaxRuns > 0 && j.RunCount >= j.MaxRuns {
		return false
	}
	return true
}

// due reports whether j should fire now, given it's already eligible.
func (j *Job) due(now time.Time) bool {
	if !j.eligible(now) {
		return false
	}
	switch j.Type {
	case JobScheduled:
		return j.RunCount == 0 && !now.Before(j.ScheduledAt)
	default: // cron, recurring
		return !j.NextRunAt.IsZero() && !now.Before(j.NextRunAt)
	}
}

// topic returns the event-bus topic a firing of j is published under.
func (j *Job) topic() string {
	if j.Type == JobCron {
		return "job/cron.execute"
	}
	return "job/background.execute"
}

func (j *Job) computeNextRunAt(from time.Time) (time.Time, error) {
	if j.Type == JobScheduled {
		return time.Time{}, nil
	}
	if j.CronExpression == "" {
		return time.Time{}, fmt.Errorf("job %s: cronExpression required for type %s", j.ID, j.Type)
	}
	loc := time.UTC
	if j.Timezone != "" {
		l, err := time.LoadLocation(j.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("job %s: invalid timezone %q: %w", j.ID, j.Timezone, err)
		}
		loc = l
	}
	schedule, err := jobCronParser.Parse(j.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("job %s: invalid cronExpression: %w", j.ID, err)
	}
	return schedule.Next(from.In(loc)), nil
}

// JobStore is the file-backed Job record store: tmp-file-then-rename
// persistence at dataDir/jobs/<jobId>.json, the same atomicity
// discipline Queue uses for Task records, plus the 60s dedup-by-name
// rule the Task Queue Facade already implements.
type JobStore struct {
	mu      sync.Mutex
	dataDir string
	now     func() time.Time
	newID   func() string

	recentByName map[string]recentEntry
}

// JobOption configures a JobStore at construction.
type JobOption func(*JobStore)

func WithJobNow(now func() time.Time) JobOption { return func(s *JobStore) { s.now = now } }
func WithJobIDFunc(f func() string) JobOption   { return func(s *JobStore) { s.newID = f } }

// NewJobStore constructs a JobStore rooted at dataDir/jobs.
func NewJobStore(dataDir string, opts ...JobOption) *JobStore {
	s := &JobStore{
		dataDir:      filepath.Join(dataDir, "jobs"),
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
		recentByName: make(map[string]recentEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *JobStore) path(jobID string) string {
	return filepath.Join(s.dataDir, jobID+".json")
}

// CreateJobParams is the input to CreateJob.
type CreateJobParams struct {
	Name           string
	Type           JobType
	CronExpression string
	Timezone       string
	ScheduledAt    time.Time
	Action         json.RawMessage
	MaxRuns        int
	ExpiresAt      time.Time
}

// CreateJob persists a new Job record and arms its first NextRunAt.
// Re-issuing with the same name within DedupWindow returns the
// previously-created record instead of creating a new one, mirroring
// Queue.QueueTask's idempotence rule.
func (s *JobStore) CreateJob(p CreateJobParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if prior, ok := s.recentByName[p.Name]; ok && now.Sub(prior.createdAt) < DedupWindow {
		if existing, err := s.readLocked(prior.taskID); err == nil {
			return existing, nil
		}
	}

	job := &Job{
		ID:             s.newID(),
		Name:           p.Name,
		Type:           p.Type,
		CronExpression: p.CronExpression,
		Timezone:       p.Timezone,
		ScheduledAt:    p.ScheduledAt,
		Action:         p.Action,
		Enabled:        true,
		MaxRuns:        p.MaxRuns,
		ExpiresAt:      p.ExpiresAt,
	}
	if job.Type != JobScheduled {
		next, err := job.computeNextRunAt(now)
		if err != nil {
			return nil, err
		}
		job.NextRunAt = next
	}

	if err := s.writeLocked(job); err != nil {
		return nil, err
	}
	s.recentByName[p.Name] = recentEntry{taskID: job.ID, createdAt: now}
	return job, nil
}

// GetJob reads the persisted record for jobID.
func (s *JobStore) GetJob(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(jobID)
}

// ListDue returns every persisted job that is due to fire at now,
// sorted by jobId for deterministic iteration.
func (s *JobStore) ListDue(now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var due []*Job
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		jobID := strings.TrimSuffix(name, ".json")
		job, err := s.readLocked(jobID)
		if err != nil {
			continue
		}
		if job.due(now) {
			due = append(due, job)
		}
	}
	return due, nil
}

// RecordRun advances a job's runCount/lastRunAt/nextRunAt after a
// firing. A scheduled (one-shot) job is left with a zero NextRunAt,
// which combined with RunCount>0 makes it permanently not due again.
func (s *JobStore) RecordRun(jobID string, ranAt time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.readLocked(jobID)
	if err != nil {
		return nil, err
	}
	job.RunCount++
	job.LastRunAt = ranAt
	if job.Type != JobScheduled {
		next, err := job.computeNextRunAt(ranAt)
		if err != nil {
			return nil, err
		}
		job.NextRunAt = next
	}
	if err := s.writeLocked(job); err != nil {
		return nil, err
	}
	return job, nil
}

// SetEnabled toggles a job's enabled flag.
func (s *JobStore) SetEnabled(jobID string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.readLocked(jobID)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled
	if err := s.writeLocked(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStore) readLocked(jobID string) (*Job, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) writeLocked(job *Job) error {
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(job.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
