// Package scheduler drains the priority job queue onto idle agents: a
// ticker-driven loop with an event-driven wake on enqueue, retry with
// priority decay, and graceful shutdown draining.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/orchestratord/internal/agentpool"
	apperrors "github.com/kandev/orchestratord/internal/common/errors"
	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/events"
	"github.com/kandev/orchestratord/internal/events/bus"
	"github.com/kandev/orchestratord/internal/jobstore"
	"github.com/kandev/orchestratord/internal/queue"
	"github.com/kandev/orchestratord/internal/transport"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
	"go.uber.org/zap"
)

// ErrSchedulerAlreadyRunning is returned by Start when called twice.
var ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")

// ErrSchedulerNotRunning is returned by Stop when the scheduler isn't running.
var ErrSchedulerNotRunning = errors.New("scheduler is not running")

// Config controls the scheduler's tick cadence and dispatch fan-out.
type Config struct {
	Tick                  time.Duration
	SendTimeout           time.Duration
	MaxConcurrentDispatch int
}

// Stats is a snapshot of scheduler-lifetime counters.
type Stats struct {
	TotalDispatched int64
	TotalFailed     int64
	TotalRetried    int64
	QueueDepth      int
}

// Scheduler drains queued jobs onto idle agents and tracks each dispatch
// through to a terminal status or a retry.
type Scheduler struct {
	queue     *queue.JobQueue
	jobs      *jobstore.Store
	agents    *agentpool.Pool
	transport transport.AgentTransport
	eventBus  bus.EventBus
	logger    *logger.Logger
	cfg       Config

	wake chan struct{}

	totalDispatched int64
	totalFailed     int64
	totalRetried    int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler wired to its dependencies.
func New(q *queue.JobQueue, jobs *jobstore.Store, agents *agentpool.Pool, tr transport.AgentTransport, eb bus.EventBus, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.MaxConcurrentDispatch <= 0 {
		cfg.MaxConcurrentDispatch = 16
	}
	return &Scheduler{
		queue:     q,
		jobs:      jobs,
		agents:    agents,
		transport: tr,
		eventBus:  eb,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", zap.Duration("tick", s.cfg.Tick))
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop signals the loop to exit and waits for in-flight dispatch to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Enqueue places a job in the priority queue and wakes the dispatch loop
// immediately rather than waiting for the next tick.
func (s *Scheduler) Enqueue(job *v1.Job) error {
	if err := s.queue.Enqueue(job); err != nil {
		return err
	}
	s.jobs.Transition(job.ID, v1.JobStatusQueued, jobstore.TransitionOpts{})
	s.publish(events.JobQueued, job.ID, nil)
	s.wakeLoop()
	return nil
}

// Cancel removes a job from the queue if still waiting, or asks its agent
// to abort it if already dispatched.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if s.queue.Remove(jobID) {
		s.jobs.Transition(jobID, v1.JobStatusCancelled, jobstore.TransitionOpts{ErrorMessage: "cancelled while queued"})
		s.publish(events.JobCancelled, jobID, nil)
		return nil
	}

	job := s.jobs.Get(jobID)
	if job == nil {
		return apperrors.NotFound("job", jobID)
	}
	if job.Status.IsTerminal() {
		return apperrors.Conflict("job is already in a terminal state")
	}
	if job.AssignedAgentID == "" {
		return apperrors.Conflict("job is not currently assigned to an agent")
	}

	agent := s.agents.Get(job.AssignedAgentID)
	if agent != nil {
		if err := s.transport.Cancel(ctx, agent, jobID); err != nil {
			s.logger.Warn("cancel delivery failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	s.jobs.Transition(jobID, v1.JobStatusCancelled, jobstore.TransitionOpts{ErrorMessage: "cancelled"})
	s.publish(events.JobCancelled, jobID, nil)
	return nil
}

func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drain(ctx)
		case <-s.wake:
			s.drain(ctx)
		}
	}
}

// drain dispatches queued jobs onto idle agents until either the queue is
// empty or no idle agent fits the head of the queue.
func (s *Scheduler) drain(ctx context.Context) {
	dispatched := 0
	for dispatched < s.cfg.MaxConcurrentDispatch {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		qj := s.queue.Dequeue()
		if qj == nil {
			return
		}

		job := s.jobs.Get(qj.JobID)
		if job == nil || job.Status != v1.JobStatusQueued {
			continue
		}

		agent := s.agents.Pick(job)
		if agent == nil {
			// No fitting idle agent right now; put it back at its original
			// priority and sequence and stop this pass rather than spin on
			// the same unplaceable head job.
			if err := s.queue.Requeue(qj); err != nil {
				s.logger.Error("failed to requeue unplaceable job", zap.String("job_id", job.ID), zap.Error(err))
			}
			return
		}

		if !s.dispatch(ctx, job, agent) {
			// Send never reached the agent: the job never ran, so it goes
			// back to the queue unchanged (same priority, same sequence,
			// no retry budget spent) rather than through the retry path.
			if err := s.queue.Requeue(qj); err != nil {
				s.logger.Error("failed to requeue job after send failure", zap.String("job_id", job.ID), zap.Error(err))
			}
			return
		}
		dispatched++
	}
}

// dispatch assigns job to agent and delivers it over the transport. It
// returns false if delivery itself failed (transport error): the agent is
// marked Error and the job is transitioned back to Queued for the caller to
// requeue, distinct from an agent-reported execution failure, which flows
// through HandleCompletion and the retry-with-decay path instead.
func (s *Scheduler) dispatch(ctx context.Context, job *v1.Job, agent *v1.Agent) bool {
	s.jobs.Transition(job.ID, v1.JobStatusAssigned, jobstore.TransitionOpts{AssignedAgentID: agent.ID})
	s.publish(events.JobAssigned, job.ID, map[string]interface{}{"agentId": agent.ID})

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout())
	defer cancel()

	assigned := s.jobs.Get(job.ID)
	if err := s.transport.Send(sendCtx, agent, assigned); err != nil {
		s.logger.Warn("dispatch failed, returning job to queue", zap.String("job_id", job.ID), zap.String("agent_id", agent.ID), zap.Error(err))
		atomic.AddInt64(&s.totalFailed, 1)
		s.agents.MarkError(agent.ID, err.Error())
		s.jobs.Transition(job.ID, v1.JobStatusQueued, jobstore.TransitionOpts{})
		s.publish(events.JobQueued, job.ID, map[string]interface{}{"reason": "transport send failed: " + err.Error()})
		return false
	}

	s.jobs.Transition(job.ID, v1.JobStatusRunning, jobstore.TransitionOpts{})
	atomic.AddInt64(&s.totalDispatched, 1)
	return true
}

// retry decays priority and re-queues a job already in Failed status,
// unless it has exhausted its retry budget, in which case it stays Failed.
func (s *Scheduler) retry(jobID, reason string) {
	job := s.jobs.Get(jobID)
	if job == nil || job.Status != v1.JobStatusFailed {
		return
	}
	if job.RetryCount >= job.MaxRetries {
		return
	}

	if !s.jobs.Transition(jobID, v1.JobStatusRetry, jobstore.TransitionOpts{}) {
		return
	}
	atomic.AddInt64(&s.totalRetried, 1)
	s.publish(events.JobRetried, jobID, map[string]interface{}{"reason": reason})

	if requeued := s.jobs.Get(jobID); requeued != nil {
		if err := s.queue.Enqueue(requeued); err != nil {
			s.logger.Error("failed to re-enqueue job for retry", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// HandleCompletion records a terminal outcome reported back via status
// callback, releasing the executing agent.
func (s *Scheduler) HandleCompletion(jobID string, success bool, result, errorMessage string, duration time.Duration) {
	job := s.jobs.Get(jobID)
	if job == nil {
		return
	}
	agentID := job.AssignedAgentID

	if success {
		s.jobs.Transition(jobID, v1.JobStatusSuccess, jobstore.TransitionOpts{Result: result})
		s.publish(events.JobCompleted, jobID, nil)
	} else {
		s.jobs.Transition(jobID, v1.JobStatusFailed, jobstore.TransitionOpts{ErrorMessage: errorMessage})
		s.publish(events.JobFailed, jobID, map[string]interface{}{"reason": errorMessage})
	}

	if agentID != "" {
		s.agents.Release(agentID, success, duration)
		s.publish(events.SessionReleased, jobID, map[string]interface{}{"agentId": agentID})
	}

	if !success {
		s.retry(jobID, errorMessage)
	}
}

func (s *Scheduler) sendTimeout() time.Duration {
	if s.cfg.SendTimeout <= 0 {
		return 10 * time.Second
	}
	return s.cfg.SendTimeout
}

func (s *Scheduler) publish(eventType, jobID string, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{"jobId": jobID}
	for k, v := range extra {
		data[k] = v
	}
	evt := bus.NewEvent(eventType, "scheduler", data)
	if err := s.eventBus.Publish(context.Background(), eventType, evt); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// Stats returns a snapshot of scheduler-lifetime counters and current queue depth.
func (s *Scheduler) Stats() Stats {
	return Stats{
		TotalDispatched: atomic.LoadInt64(&s.totalDispatched),
		TotalFailed:     atomic.LoadInt64(&s.totalFailed),
		TotalRetried:    atomic.LoadInt64(&s.totalRetried),
		QueueDepth:      s.queue.Len(),
	}
}
