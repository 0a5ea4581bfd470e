// Package queue implements the durable job queue boundary: named queues
// with per-job priority, delay, bounded attempts with backoff, and
// completed/failed retention. Redis is the production backing store;
// tests run on the in-memory store.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue names used by the margin guard.
const (
	QueueMarginCheck = "margin-check"
	QueueExecution   = "automation-execution"
)

// Job is the queue envelope.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"` // higher runs first
	Attempts    int             `json:"attempts"` // attempts made so far
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"` // base delay, doubled per retry
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Options controls a single enqueue.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// NewJob builds a Job from a payload value.
func NewJob(queueName, name string, payload interface{}, opts Options) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Name:        name,
		Payload:     data,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now,
		RunAt:       now.Add(opts.Delay),
	}, nil
}

// NextBackoff returns the delay before the next retry, doubling per made
// attempt.
func (j *Job) NextBackoff() time.Duration {
	d := j.Backoff
	for i := 1; i < j.Attempts; i++ {
		d *= 2
	}
	return d
}
