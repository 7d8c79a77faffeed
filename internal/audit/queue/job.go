// Package queue decouples audit capture from persistence. Records are wrapped
// in jobs, pushed to a Queue (Redis or in-process) and drained by a Worker pool
// that writes them through the batch service, retrying with exponential
// backoff.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/audittrail/audittrail/internal/audit"
)

// JobType tags the payload shape of a job.
type JobType string

const (
	JobCreateSingle JobType = "create_single"
	JobCreateBatch  JobType = "create_batch"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultSingleDelay = 2 * time.Second
	DefaultBatchDelay  = 5 * time.Second
)

// State is a job's position in its lifecycle:
//
//	Pending -> Running -> Succeeded
//	                   -> Retrying -> Running ...
//	                   -> FailedPermanently
type State string

const (
	StatePending           State = "pending"
	StateRunning           State = "running"
	StateSucceeded         State = "succeeded"
	StateRetrying          State = "retrying"
	StateFailedPermanently State = "failed_permanently"
)

var transitions = map[State][]State{
	StatePending:  {StateRunning},
	StateRunning:  {StateSucceeded, StateRetrying, StateFailedPermanently},
	StateRetrying: {StateRunning},
}

// ErrInvalidTransition is returned when a job is moved along an edge the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailedPermanently
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one unit of queued work.
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Payload     []audit.Record `json:"payload"`
	State       State          `json:"state"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	BaseDelay   time.Duration  `json:"base_delay"`
	LastError   string         `json:"last_error,omitempty"`
	Stack       string         `json:"stack,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	NextRunAt   time.Time      `json:"next_run_at"`
}

// NewJob creates a pending job. Zero retry settings select the defaults for t.
func NewJob(t JobType, payload []audit.Record, maxAttempts int, baseDelay time.Duration, now time.Time) *Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultSingleDelay
		if t == JobCreateBatch {
			baseDelay = DefaultBatchDelay
		}
	}
	return &Job{
		ID:          uuid.NewString(),
		Type:        t,
		Payload:     payload,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		EnqueuedAt:  now,
		UpdatedAt:   now,
		NextRunAt:   now,
	}
}

func (j *Job) moveTo(to State, now time.Time) error {
	if !canTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.State, to, j.ID)
	}
	j.State = to
	j.UpdatedAt = now
	return nil
}

// Start moves the job to Running and counts the attempt.
func (j *Job) Start(now time.Time) error {
	if err := j.moveTo(StateRunning, now); err != nil {
		return err
	}
	j.Attempt++
	return nil
}

// Succeed marks a running job done.
func (j *Job) Succeed(now time.Time) error {
	return j.moveTo(StateSucceeded, now)
}

// Fail records cause on a running job. The job moves to Retrying with
// NextRunAt set by Backoff while attempts remain, otherwise to
// FailedPermanently. It reports whether the job will be retried.
func (j *Job) Fail(cause error, stack string, now time.Time) (bool, error) {
	next := StateFailedPermanently
	if j.Attempt < j.MaxAttempts {
		next = StateRetrying
	}
	if err := j.moveTo(next, now); err != nil {
		return false, err
	}
	if cause != nil {
		j.LastError = cause.Error()
	}
	j.Stack = stack
	if next == StateRetrying {
		j.NextRunAt = now.Add(j.Backoff(j.Attempt))
		return true, nil
	}
	return false, nil
}

// Backoff is the delay after the given failed attempt: base * 2^(attempt-1).
func (j *Job) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return j.BaseDelay * time.Duration(1<<(attempt-1))
}
