// Package health runs the periodic sweeps that keep Agents, Sessions, and
// Jobs honest: staleness detection, timeout enforcement, recycle triggers,
// and terminal-job retention. Each sweep runs on its own cron cadence and
// failures in one never abort another.
package health

import (
	"context"
	"time"

	"github.com/kandev/orchestratord/internal/agentpool"
	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/events"
	"github.com/kandev/orchestratord/internal/events/bus"
	"github.com/kandev/orchestratord/internal/jobstore"
	"github.com/kandev/orchestratord/internal/sessionmgr"
	"github.com/kandev/orchestratord/internal/transport"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config controls sweep cadences and the thresholds each sweep enforces.
type Config struct {
	AgentSweep   time.Duration
	SessionSweep time.Duration
	JobSweep     time.Duration
	CleanupSweep time.Duration

	HeartbeatTimeout   time.Duration
	SessionInactivity  time.Duration
	SessionMaxJobs     int
	JobTimeout         time.Duration
	MaxCompletedJobs   int
}

// secondsSpec renders a fixed-interval cron expression for a sweep
// cadence, matching the "every N seconds" phrasing spec §4.8 uses for its
// defaults rather than a calendar cron schedule.
func secondsSpec(d time.Duration) string {
	seconds := int(d / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return "@every " + time.Duration(seconds*int(time.Second)).String()
}

// Monitor owns the four independent sweep cadences described in spec §4.8:
// agent health, session health, job health, and history cleanup/orphans.
type Monitor struct {
	cron      *cron.Cron
	jobs      *jobstore.Store
	agents    *agentpool.Pool
	sessions  *sessionmgr.Manager
	transport transport.AgentTransport
	eventBus  bus.EventBus
	logger    *logger.Logger
	cfg       Config
}

// New constructs a Monitor wired to its dependencies. Nothing runs until Start.
func New(jobs *jobstore.Store, agents *agentpool.Pool, sessions *sessionmgr.Manager, tr transport.AgentTransport, eb bus.EventBus, log *logger.Logger, cfg Config) *Monitor {
	if cfg.AgentSweep <= 0 {
		cfg.AgentSweep = 2 * time.Minute
	}
	if cfg.SessionSweep <= 0 {
		cfg.SessionSweep = 2 * time.Minute
	}
	if cfg.JobSweep <= 0 {
		cfg.JobSweep = 2 * time.Minute
	}
	if cfg.CleanupSweep <= 0 {
		cfg.CleanupSweep = 4 * time.Hour
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 5 * time.Minute
	}
	if cfg.SessionInactivity <= 0 {
		cfg.SessionInactivity = 2 * time.Hour
	}
	if cfg.SessionMaxJobs <= 0 {
		cfg.SessionMaxJobs = 50
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.MaxCompletedJobs <= 0 {
		cfg.MaxCompletedJobs = 1000
	}

	return &Monitor{
		cron:      cron.New(),
		jobs:      jobs,
		agents:    agents,
		sessions:  sessions,
		transport: tr,
		eventBus:  eb,
		logger:    log.WithFields(zap.String("component", "health")),
		cfg:       cfg,
	}
}

// Start registers every sweep with the cron scheduler and begins running them.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(secondsSpec(m.cfg.AgentSweep), m.runSafely("agent", m.sweepAgents)); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(secondsSpec(m.cfg.SessionSweep), m.runSafely("session", m.sweepSessions)); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(secondsSpec(m.cfg.JobSweep), m.runSafely("job", m.sweepJobs)); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(secondsSpec(m.cfg.CleanupSweep), m.runSafely("cleanup", m.sweepCleanup)); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("health monitor started",
		zap.Duration("agent_sweep", m.cfg.AgentSweep),
		zap.Duration("session_sweep", m.cfg.SessionSweep),
		zap.Duration("job_sweep", m.cfg.JobSweep),
		zap.Duration("cleanup_sweep", m.cfg.CleanupSweep))
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight sweep to drain.
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("health monitor stopped")
}

// runSafely wraps a sweep with panic recovery so one misbehaving sweep
// cannot take the whole cron scheduler down with it.
func (m *Monitor) runSafely(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic recovered in health sweep", zap.String("sweep", name), zap.Any("panic", r))
			}
		}()
		fn()
	}
}

// sweepAgents offlines agents whose heartbeat has gone stale. An offlined
// agent's current job, if any, is moved to Failed with the error "agent went
// offline". The job is not requeued or retried: it stays Failed, and no
// scheduler tick reassigns it.
func (m *Monitor) sweepAgents() {
	now := time.Now()
	for _, agent := range m.agents.List() {
		if agent.Status == v1.AgentStatusOffline {
			continue
		}
		if agent.LastHeartbeat == nil || now.Sub(*agent.LastHeartbeat) < m.cfg.HeartbeatTimeout {
			continue
		}

		offlined, ok := m.agents.MarkOffline(agent.ID, "heartbeat stale")
		if !ok {
			continue
		}
		m.logger.Warn("agent offlined for stale heartbeat", zap.String("agent_id", agent.ID), zap.Duration("since_heartbeat", now.Sub(*agent.LastHeartbeat)))
		m.publish(events.AgentOffline, map[string]interface{}{"agentId": agent.ID, "reason": "heartbeat stale"})

		if offlined.CurrentJobID == nil {
			continue
		}
		jobID := *offlined.CurrentJobID
		if m.jobs.Transition(jobID, v1.JobStatusFailed, jobstore.TransitionOpts{ErrorMessage: "agent went offline"}) {
			m.publish(events.JobFailed, map[string]interface{}{"jobId": jobID, "reason": "agent went offline"})
		}
	}
}

// sweepSessions marks sessions inactive beyond their timeout or over their
// per-session job budget for recycle, delegating to the AgentPool when an
// agent is bound so the pool's own recycle bookkeeping stays authoritative.
func (m *Monitor) sweepSessions() {
	now := time.Now()
	for _, session := range m.sessions.List() {
		if session.Status == v1.SessionStatusTerminated || session.Status == v1.SessionStatusTerminating || session.Status == v1.SessionStatusRecycling {
			continue
		}

		stale := now.Sub(session.LastActivityAt) >= m.cfg.SessionInactivity
		overbudget := m.cfg.SessionMaxJobs > 0 && session.JobsProcessed >= m.cfg.SessionMaxJobs
		if !stale && !overbudget {
			continue
		}

		m.logger.Info("session marked for recycle", zap.String("session_id", session.ID), zap.Bool("stale", stale), zap.Bool("overbudget", overbudget))

		agent := m.agentBoundTo(session.ID)
		if agent != nil {
			m.agents.Recycle(agent.ID)
			m.publish(events.AgentRecycled, map[string]interface{}{"agentId": agent.ID, "sessionId": session.ID})
		} else if err := m.sessions.Recycle(session.ID); err != nil {
			m.logger.Warn("orphan session recycle failed", zap.String("session_id", session.ID), zap.Error(err))
		}
		m.publish(events.SessionRecycled, map[string]interface{}{"sessionId": session.ID})
	}
}

// sweepJobs times out Running jobs whose start predates the job timeout,
// releasing the executing agent and best-effort cancelling on the transport.
func (m *Monitor) sweepJobs() {
	now := time.Now()
	for _, job := range m.jobs.ByStatus(v1.JobStatusRunning) {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) < m.cfg.JobTimeout {
			continue
		}

		agentID := job.AssignedAgentID
		if !m.jobs.Transition(job.ID, v1.JobStatusTimeout, jobstore.TransitionOpts{ErrorMessage: "job exceeded its execution timeout"}) {
			continue
		}
		m.logger.Warn("job timed out", zap.String("job_id", job.ID), zap.Duration("ran_for", now.Sub(*job.StartedAt)))
		m.publish(events.JobFailed, map[string]interface{}{"jobId": job.ID, "reason": "timeout"})

		if agentID == "" {
			continue
		}
		m.agents.Release(agentID, false, now.Sub(*job.StartedAt))

		if agent := m.agents.Get(agentID); agent != nil && m.transport != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.transport.Cancel(ctx, agent, job.ID); err != nil {
				m.logger.Warn("best-effort cancel of timed-out job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			cancel()
		}
	}
}

// sweepCleanup prunes the job store down to MaxCompletedJobs terminal jobs
// and terminates any session no longer bound to a registered agent.
func (m *Monitor) sweepCleanup() {
	if dropped := m.jobs.Prune(m.cfg.MaxCompletedJobs); dropped > 0 {
		m.logger.Info("pruned terminal job history", zap.Int("dropped", dropped))
	}

	bound := make(map[string]bool)
	for _, agent := range m.agents.List() {
		if agent.SessionID != "" {
			bound[agent.SessionID] = true
		}
	}

	for _, session := range m.sessions.List() {
		if session.Status == v1.SessionStatusTerminated || session.Status == v1.SessionStatusTerminating {
			continue
		}
		if bound[session.ID] {
			continue
		}
		m.logger.Info("terminating orphan session", zap.String("session_id", session.ID))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.sessions.Terminate(ctx, session.ID)
		cancel()
		m.publish(events.SessionTerminated, map[string]interface{}{"sessionId": session.ID})
	}
}

func (m *Monitor) agentBoundTo(sessionID string) *v1.Agent {
	for _, agent := range m.agents.List() {
		if agent.SessionID == sessionID {
			return agent
		}
	}
	return nil
}

func (m *Monitor) publish(eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "health", data)
	if err := m.eventBus.Publish(context.Background(), eventType, evt); err != nil {
		m.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}
