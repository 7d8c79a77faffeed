package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("queue closed")

// Counts is a snapshot of queue depth.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Queue stores jobs between the dispatcher and the worker pool.
//
// A dequeued job is active until the worker reports it via Complete, Retry or
// Fail. Retry holds the job until its NextRunAt before it becomes waiting
// again.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue waits up to timeout for a runnable job and returns nil, nil when
	// none arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job) error
	Counts(ctx context.Context) (Counts, error)
	// Empty drops every waiting and delayed job. Active jobs finish normally.
	Empty(ctx context.Context) error
	Close() error
}
