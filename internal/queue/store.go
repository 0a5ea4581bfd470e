package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Store is the queue backing store. The Redis implementation is the
// production path; MemoryStore backs tests and single-process runs.
type Store interface {
	// Enqueue adds a job; delayed jobs stay parked until RunAt.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue pops the highest-priority due job, or nil when the queue
	// is empty.
	Dequeue(ctx context.Context, queueName string) (*Job, error)
	// Retry parks a job for a later attempt.
	Retry(ctx context.Context, job *Job, at time.Time) error
	// Complete retires a job into the completed retention window.
	Complete(ctx context.Context, job *Job) error
	// Fail retires a job into the failed retention window.
	Fail(ctx context.Context, job *Job) error
}

// Retention bounds how many retired jobs are kept per queue.
type Retention struct {
	Completed int
	Failed    int
}

// jobHeap orders by priority (desc) then RunAt (asc).
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].RunAt.Before(h[j].RunAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	ready     map[string]*jobHeap
	delayed   map[string][]*Job
	completed map[string][]*Job
	failed    map[string][]*Job
	retention Retention
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(retention Retention) *MemoryStore {
	return &MemoryStore{
		ready:     make(map[string]*jobHeap),
		delayed:   make(map[string][]*Job),
		completed: make(map[string][]*Job),
		failed:    make(map[string][]*Job),
		retention: retention,
	}
}

func (s *MemoryStore) heapFor(queueName string) *jobHeap {
	h, ok := s.ready[queueName]
	if !ok {
		h = &jobHeap{}
		heap.Init(h)
		s.ready[queueName] = h
	}
	return h
}

// Enqueue adds a job.
func (s *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.RunAt.After(time.Now()) {
		s.delayed[job.Queue] = append(s.delayed[job.Queue], job)
		return nil
	}
	heap.Push(s.heapFor(job.Queue), job)
	return nil
}

// Dequeue promotes due delayed jobs, then pops the best ready job.
func (s *MemoryStore) Dequeue(_ context.Context, queueName string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	parked := s.delayed[queueName][:0]
	for _, job := range s.delayed[queueName] {
		if job.RunAt.After(now) {
			parked = append(parked, job)
			continue
		}
		heap.Push(s.heapFor(queueName), job)
	}
	s.delayed[queueName] = parked

	h := s.heapFor(queueName)
	if h.Len() == 0 {
		return nil, nil
	}
	return heap.Pop(h).(*Job), nil
}

// Retry parks a job until at.
func (s *MemoryStore) Retry(_ context.Context, job *Job, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.RunAt = at
	s.delayed[job.Queue] = append(s.delayed[job.Queue], job)
	return nil
}

// Complete retires a job.
func (s *MemoryStore) Complete(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[job.Queue] = trimRetired(append(s.completed[job.Queue], job), s.retention.Completed)
	return nil
}

// Fail retires a job.
func (s *MemoryStore) Fail(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[job.Queue] = trimRetired(append(s.failed[job.Queue], job), s.retention.Failed)
	return nil
}

// FailedJobs returns the retained failed jobs for a queue.
func (s *MemoryStore) FailedJobs(queueName string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.failed[queueName]))
	copy(out, s.failed[queueName])
	return out
}

// CompletedJobs returns the retained completed jobs for a queue.
func (s *MemoryStore) CompletedJobs(queueName string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.completed[queueName]))
	copy(out, s.completed[queueName])
	return out
}

func trimRetired(jobs []*Job, keep int) []*Job {
	if keep <= 0 || len(jobs) <= keep {
		return jobs
	}
	return jobs[len(jobs)-keep:]
}
