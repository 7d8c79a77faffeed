package queue

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewJob_Defaults(t *testing.T) {
	single := NewJob(JobCreateSingle, nil, 0, 0, t0)
	if single.MaxAttempts != 3 || single.BaseDelay != 2*time.Second || single.State != StatePending {
		t.Errorf("single = %+v", single)
	}
	batch := NewJob(JobCreateBatch, nil, 0, 0, t0)
	if batch.BaseDelay != 5*time.Second {
		t.Errorf("batch BaseDelay = %v, want 5s", batch.BaseDelay)
	}
	if single.ID == "" || single.ID == batch.ID {
		t.Error("jobs need unique ids")
	}
}

func TestJob_Backoff(t *testing.T) {
	j := NewJob(JobCreateSingle, nil, 3, 2*time.Second, t0)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := j.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestJob_RetryThenPermanentFailure(t *testing.T) {
	j := NewJob(JobCreateBatch, nil, 3, 5*time.Second, t0)
	cause := errors.New("db down")

	for attempt := 1; attempt <= 2; attempt++ {
		if err := j.Start(t0); err != nil {
			t.Fatalf("Start attempt %d: %v", attempt, err)
		}
		retry, err := j.Fail(cause, "", t0)
		if err != nil || !retry {
			t.Fatalf("attempt %d: retry=%v err=%v", attempt, retry, err)
		}
		if j.State != StateRetrying {
			t.Errorf("state = %s, want retrying", j.State)
		}
		if want := t0.Add(j.Backoff(attempt)); !j.NextRunAt.Equal(want) {
			t.Errorf("NextRunAt = %v, want %v", j.NextRunAt, want)
		}
	}

	if err := j.Start(t0); err != nil {
		t.Fatal(err)
	}
	retry, err := j.Fail(cause, "stack", t0)
	if err != nil || retry {
		t.Fatalf("third failure: retry=%v err=%v", retry, err)
	}
	if j.State != StateFailedPermanently || j.Attempt != 3 || j.LastError != "db down" || j.Stack != "stack" {
		t.Errorf("job = %+v", j)
	}
	if !j.State.Terminal() {
		t.Error("failed_permanently must be terminal")
	}
}

func TestJob_InvalidTransitions(t *testing.T) {
	j := NewJob(JobCreateSingle, nil, 3, 0, t0)

	if err := j.Succeed(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> succeeded: %v", err)
	}
	if _, err := j.Fail(errors.New("x"), "", t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> failed: %v", err)
	}

	_ = j.Start(t0)
	_ = j.Succeed(t0)
	if err := j.Start(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("succeeded -> running: %v", err)
	}
	if j.Attempt != 1 {
		t.Errorf("rejected Start must not count an attempt, Attempt = %d", j.Attempt)
	}
}
