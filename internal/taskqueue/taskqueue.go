// Package taskqueue implements the Task Queue Facade: a
// thin, file-backed submission and status surface in front of an
// external workflow engine reached through the event bus. The facade
// never executes a task itself.
package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/orchestrator/internal/eventbus"
)

// Status is the closed set of task lifecycle states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DedupWindow is how long a queueTask call with a repeated name returns
// the previously-created record instead of creating a new one.
const DedupWindow = 60 * time.Second

// Task is the persisted record of one queued unit of work.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Action     json.RawMessage `json:"action"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  time.Time       `json:"startedAt,omitempty"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Queue is the file-backed task store and facade, grounded on the
// tmp-file-then-rename atomic write pattern used throughout core's
// on-disk stores.
type Queue struct {
	mu      sync.Mutex
	dataDir string
	bus     eventbus.Publisher
	now     func() time.Time
	newID   func() string

	// recentByName indexes the most recent taskId created for a given
	// name, for the 60s dedup window, without re-reading every task
	// file on each call.
	recentByName map[string]recentEntry
}

type recentEntry struct {
	taskID    string
	createdAt time.Time
}

// Option configures a Queue at construction.
type Option func(*Queue)

func WithNow(now func() time.Time) Option { return func(q *Queue) { q.now = now } }
func WithIDFunc(f func() string) Option   { return func(q *Queue) { q.newID = f } }

// New constructs a Queue rooted at dataDir/tasks.
func New(dataDir string, bus eventbus.Publisher, opts ...Option) *Queue {
	q := &Queue{
		dataDir:      filepath.Join(dataDir, "tasks"),
		bus:          bus,
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
		recentByName: make(map[string]recentEntry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) path(taskID string) string {
	return filepath.Join(q.dataDir, taskID+".json")
}

// QueueTask creates a Task record, persists it, and emits a
// "job/background.execute" event to the bus for an external handler to pick up. Re-issuing with
// the same name within DedupWindow returns the previously-created
// record instead (idempotence).
func (q *Queue) QueueTask(name string, action json.RawMessage) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if prior, ok := q.recentByName[name]; ok && now.Sub(prior.createdAt) < DedupWindow {
		existing, err := q.readLocked(prior.taskID)
		if err == nil {
			return existing, nil
		}
		// Fall through to create a fresh record if the prior one vanished.
	}

	task := &Task{
		ID:        q.newID(),
		Name:      name,
		Action:    action,
		Status:    StatusQueued,
		CreatedAt: now,
	}
	if err := q.writeLocked(task); err != nil {
		return nil, err
	}
	q.recentByName[name] = recentEntry{taskID: task.ID, createdAt: now}

	if q.bus != nil {
		if err := q.bus.Publish("job/background.execute", task); err != nil {
			return nil, fmt.Errorf("publish execute event: %w", err)
		}
	}
	return task, nil
}

// GetJobStatus reads the persisted record for taskID.
func (q *Queue) GetJobStatus(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked(taskID)
}

func (q *Queue) readLocked(taskID string) (*Task, error) {
	data, err := os.ReadFile(q.path(taskID))
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (q *Queue) writeLocked(task *Task) error {
	if err := os.MkdirAll(q.dataDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	path := q.path(task.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// UpdateStatus is called by the external event handler's callback path
// to advance a task record's status, timings, and result/error. The
// facade itself never calls this — it only persists what it's told.
func (q *Queue) UpdateStatus(taskID string, status Status, result json.RawMessage, taskErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.readLocked(taskID)
	if err != nil {
		return err
	}

	now := q.now()
	switch status {
	case StatusRunning:
		task.StartedAt = now
	case StatusCompleted, StatusFailed:
		task.FinishedAt = now
	}
	task.Status = status
	task.Result = result
	task.Error = taskErr

	return q.writeLocked(task)
}
