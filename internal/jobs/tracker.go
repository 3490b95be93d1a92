package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/domain"
)

// ErrJobAlreadyRunning is returned when a second job is started while one is active.
var ErrJobAlreadyRunning = errors.New("job already running")

// ErrUnknownJob is returned for transitions that name a job other than the current one.
var ErrUnknownJob = errors.New("unknown job")

// Stats counts finished jobs since the tracker was created.
type Stats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Tracker holds the single job a worker may run at a time and enforces its
// state machine: pending -> running -> succeeded|failed, or pending -> failed.
type Tracker struct {
	mu      sync.RWMutex
	current domain.Job
	stats   Stats
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Begin records job as the active job in pending state.
func (t *Tracker) Begin(job domain.Job) (domain.Job, error) {
	if job.ID == "" {
		return domain.Job{}, errors.New("job id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if isActive(t.current.Status) {
		return domain.Job{}, ErrJobAlreadyRunning
	}

	job.Status = domain.JobStatusPending
	job.CompletedAt = nil
	if job.CreatedAt.IsZero() {
		job.CreatedAt = t.now()
	}
	t.current = job
	return job, nil
}

// Transition validates and applies a state change for the job with id.
func (t *Tracker) Transition(id string, status domain.JobStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current.ID == "" || t.current.ID != id {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if status == t.current.Status {
		return nil
	}
	if !isValidTransition(t.current.Status, status) {
		return fmt.Errorf("invalid transition: %s -> %s", t.current.Status, status)
	}

	t.current.Status = status
	switch status {
	case domain.JobStatusSucceeded:
		t.stats.Succeeded++
	case domain.JobStatusFailed:
		t.stats.Failed++
	}
	if !isActive(status) {
		done := t.now()
		t.current.CompletedAt = &done
	}
	return nil
}

// Current returns a snapshot of the most recent job.
func (t *Tracker) Current() domain.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *Tracker) Busy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return isActive(t.current.Status)
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

func isActive(status domain.JobStatus) bool {
	return status == domain.JobStatusPending || status == domain.JobStatusRunning
}

func isValidTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusPending:
		return to == domain.JobStatusRunning || to == domain.JobStatusFailed
	case domain.JobStatusRunning:
		return to == domain.JobStatusSucceeded || to == domain.JobStatusFailed
	default:
		return false
	}
}
