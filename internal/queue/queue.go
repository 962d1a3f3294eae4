// Package queue implements the scheduler's priority queue: jobs wait here
// between PENDING and ASSIGNED.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	v1 "github.com/kandev/orchestratord/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrJobExists is returned when a job already exists in the queue.
	ErrJobExists = errors.New("job already exists in queue")
)

// QueuedJob represents a job waiting in the priority queue.
type QueuedJob struct {
	JobID    string
	Priority v1.Priority
	QueuedAt time.Time
	Job      *v1.Job
	sequence uint64 // monotonic tie-breaker, assigned at enqueue time
	index    int    // index in the heap (used by container/heap)
}

// jobHeap implements heap.Interface as a max-heap on priority, FIFO on ties.
type jobHeap []*QueuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedJob)
	item.index = n
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// JobQueue is the concurrency-safe priority queue feeding the scheduler.
type JobQueue struct {
	mu      sync.RWMutex
	heap    jobHeap
	jobMap  map[string]*QueuedJob
	maxSize int
	nextSeq uint64
}

// NewJobQueue creates an empty priority queue. maxSize <= 0 means unlimited.
func NewJobQueue(maxSize int) *JobQueue {
	q := &JobQueue{
		heap:    make(jobHeap, 0),
		jobMap:  make(map[string]*QueuedJob),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a job to the queue at its current priority.
func (q *JobQueue) Enqueue(job *v1.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobMap[job.ID]; exists {
		return ErrJobExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qj := &QueuedJob{
		JobID:    job.ID,
		Priority: job.Priority,
		QueuedAt: time.Now(),
		Job:      job,
		sequence: q.nextSeq,
	}
	q.nextSeq++

	heap.Push(&q.heap, qj)
	q.jobMap[job.ID] = qj
	return nil
}

// Requeue reinserts a previously dequeued job at its original priority and
// sequence, so it keeps its place relative to jobs enqueued after it. Used
// when a dequeued job turns out unplaceable (no fitting idle agent) or a
// dispatch attempt fails before ever reaching the agent, neither of which
// should cost the job its FIFO-within-priority position.
func (q *JobQueue) Requeue(qj *QueuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobMap[qj.JobID]; exists {
		return ErrJobExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	heap.Push(&q.heap, qj)
	q.jobMap[qj.JobID] = qj
	return nil
}

// Dequeue removes and returns the highest-priority job, or nil if empty.
func (q *JobQueue) Dequeue() *QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	qj := heap.Pop(&q.heap).(*QueuedJob)
	delete(q.jobMap, qj.JobID)
	return qj
}

// Remove removes a specific job from the queue, e.g. on cancellation.
func (q *JobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qj, exists := q.jobMap[jobID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, qj.index)
	delete(q.jobMap, jobID)
	return true
}

// Len returns the number of jobs currently queued.
func (q *JobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull returns true if the queue is at max capacity.
func (q *JobQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns all queued jobs, for status/diagnostics endpoints.
func (q *JobQueue) List() []*QueuedJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]*QueuedJob, len(q.heap))
	copy(result, q.heap)
	return result
}
