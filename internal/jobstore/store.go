// Package jobstore is the in-process registry of Jobs: it owns every Job's
// lifecycle state machine and is the single source of truth other
// components read from.
package jobstore

import (
	"sort"
	"sync"
	"time"

	"github.com/kandev/orchestratord/internal/common/logger"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
	"go.uber.org/zap"
)

// legalTransitions enumerates the Job state machine from spec §4.1. A
// transition not present here is rejected without mutating the job.
var legalTransitions = map[v1.JobStatus][]v1.JobStatus{
	v1.JobStatusPending:   {v1.JobStatusQueued, v1.JobStatusCancelled},
	v1.JobStatusQueued:    {v1.JobStatusAssigned, v1.JobStatusCancelled},
	v1.JobStatusAssigned:  {v1.JobStatusRunning, v1.JobStatusQueued, v1.JobStatusCancelled, v1.JobStatusFailed},
	v1.JobStatusRunning:   {v1.JobStatusSuccess, v1.JobStatusFailed, v1.JobStatusTimeout, v1.JobStatusCancelled},
	v1.JobStatusFailed:    {v1.JobStatusRetry},
	v1.JobStatusRetry:     {v1.JobStatusQueued},
}

// TransitionOpts carries the optional fields a transition may stamp.
type TransitionOpts struct {
	Result          string
	ErrorMessage    string
	AssignedAgentID string
}

// Store is the concurrency-safe registry of all Jobs, keyed by id.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*v1.Job
	logger *logger.Logger
}

// New constructs an empty Store.
func New(log *logger.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*v1.Job),
		logger: log.WithFields(zap.String("component", "jobstore")),
	}
}

// Put inserts or replaces a job by id.
func (s *Store) Put(job *v1.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// Get returns a snapshot copy of the job, or nil if unknown.
func (s *Store) Get(id string) *v1.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return job.Clone()
}

// ByStatus returns snapshot copies of every job in the given status.
func (s *Store) ByStatus(status v1.JobStatus) []*v1.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	return out
}

// List returns snapshot copies of every job, optionally filtered by status,
// ordered by createdAt descending and paginated.
func (s *Store) List(status *v1.JobStatus, skip, take int) []*v1.Job {
	s.mu.RLock()
	all := make([]*v1.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == nil || job.Status == *status {
			all = append(all, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if skip > len(all) {
		return nil
	}
	all = all[skip:]
	if take > 0 && take < len(all) {
		all = all[:take]
	}
	return all
}

// isLegal reports whether from -> to is a permitted transition.
func isLegal(from, to v1.JobStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition enforces the Job state machine. Illegal transitions are
// rejected and leave the job untouched. Entering a terminal status stamps
// completedAt and records opts.Result (Success) or opts.ErrorMessage
// (Failed, Timeout, Cancelled); an empty result or message is not rejected.
func (s *Store) Transition(id string, to v1.JobStatus, opts TransitionOpts) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}

	// Cancellation is legal from any non-terminal status.
	legal := isLegal(job.Status, to)
	if to == v1.JobStatusCancelled && !job.Status.IsTerminal() {
		legal = true
	}
	if !legal {
		s.logger.Warn("rejected illegal job transition",
			zap.String("job_id", id),
			zap.String("from", string(job.Status)),
			zap.String("to", string(to)))
		return false
	}

	now := time.Now()
	job.Status = to

	switch to {
	case v1.JobStatusQueued:
		if job.QueuedAt == nil {
			job.QueuedAt = &now
		}
		job.AssignedAgentID = ""
	case v1.JobStatusAssigned:
		job.AssignedAt = &now
		job.AssignedAgentID = opts.AssignedAgentID
	case v1.JobStatusRunning:
		job.StartedAt = &now
	case v1.JobStatusSuccess:
		job.CompletedAt = &now
		job.Result = opts.Result
		job.AssignedAgentID = ""
	case v1.JobStatusFailed, v1.JobStatusTimeout, v1.JobStatusCancelled:
		job.CompletedAt = &now
		job.ErrorMessage = opts.ErrorMessage
		job.AssignedAgentID = ""
	case v1.JobStatusRetry:
		job.RetryCount++
		job.StartedAt = nil
		job.AssignedAt = nil
		job.AssignedAgentID = ""
		job.ErrorMessage = ""
		job.Priority = job.Priority.Decay()
		job.Status = v1.JobStatusQueued
		job.QueuedAt = &now
	}

	return true
}

// Prune retains at most maxCompleted terminal jobs, ordered by completedAt
// descending, dropping the rest from the store.
func (s *Store) Prune(maxCompleted int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*v1.Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= maxCompleted {
		return 0
	}

	sort.Slice(terminal, func(i, j int) bool {
		ti, tj := terminal[i].CompletedAt, terminal[j].CompletedAt
		if ti == nil || tj == nil {
			return false
		}
		return ti.After(*tj)
	})

	dropped := 0
	for _, job := range terminal[maxCompleted:] {
		delete(s.jobs, job.ID)
		dropped++
	}
	return dropped
}
