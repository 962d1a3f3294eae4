// Package agentpool is the registry of Agents: capability-based placement,
// load ranking, heartbeat tracking, and recycle/offline lifecycle.
package agentpool

import (
	"sort"
	"sync"
	"time"

	"github.com/kandev/orchestratord/internal/common/logger"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
	"go.uber.org/zap"
)

// SessionReleaser is the subset of SessionManager the pool calls into on
// release and recycle, kept narrow to avoid a dependency cycle.
type SessionReleaser interface {
	Release(sessionID string) error
	Recycle(sessionID string) error
}

// Config controls recycle and capacity defaults applied to newly registered agents.
type Config struct {
	RecycleAfterJobs  int
	MaxConcurrentJobs int
}

// Pool is the concurrency-safe registry of all Agents.
type Pool struct {
	mu      sync.Mutex
	agents  map[string]*v1.Agent
	cfg     Config
	sess    SessionReleaser
	logger  *logger.Logger
}

// New constructs an empty Pool.
func New(cfg Config, sess SessionReleaser, log *logger.Logger) *Pool {
	return &Pool{
		agents: make(map[string]*v1.Agent),
		cfg:    cfg,
		sess:   sess,
		logger: log.WithFields(zap.String("component", "agentpool")),
	}
}

// Register adds an agent to the pool with the status it already carries,
// filling in the pool's default MaxConcurrentJobs when none is set.
func (p *Pool) Register(agent *v1.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agent.MaxConcurrentJobs <= 0 {
		agent.MaxConcurrentJobs = p.cfg.MaxConcurrentJobs
	}
	p.agents[agent.ID] = agent
}

// MarkIdle transitions a Starting agent to Idle once its session is ready.
func (p *Pool) MarkIdle(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.agents[agentID]
	if !ok {
		return false
	}
	agent.Status = v1.AgentStatusIdle
	return true
}

// Unregister removes the agent from the pool.
func (p *Pool) Unregister(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[agentID]; !ok {
		return false
	}
	delete(p.agents, agentID)
	return true
}

// Get returns a snapshot copy of the agent, or nil if unknown.
func (p *Pool) Get(agentID string) *v1.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.agents[agentID]
	if !ok {
		return nil
	}
	return agent.Clone()
}

// List returns snapshot copies of every registered agent.
func (p *Pool) List() []*v1.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*v1.Agent, 0, len(p.agents))
	for _, agent := range p.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pick selects the best-fitting Idle agent for a job per spec §4.2: filter
// by idle status, capability fit, and spare capacity; rank by descending
// success rate, ascending jobsExecuted, ascending average duration, with
// agent id as the final deterministic tiebreaker. Returns nil if none fit.
func (p *Pool) Pick(job *v1.Job) *v1.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*v1.Agent
	for _, agent := range p.agents {
		if agent.Status != v1.AgentStatusIdle {
			continue
		}
		if !agent.SupportsApplication(job.ApplicationPath) {
			continue
		}
		if agent.CurrentJobID != nil {
			continue
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		sa, sb := a.Metrics.SuccessRate(), b.Metrics.SuccessRate()
		if sa != sb {
			return sa > sb
		}
		if a.JobsExecuted != b.JobsExecuted {
			return a.JobsExecuted < b.JobsExecuted
		}
		da, db := a.Metrics.AverageDuration(), b.Metrics.AverageDuration()
		if da != db {
			return da < db
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	jobID := job.ID
	chosen.CurrentJobID = &jobID
	chosen.Status = v1.AgentStatusBusy
	return chosen.Clone()
}

// Release marks an agent idle again after a job's terminal transition,
// updates its completion metrics, releases its session, and, when the agent
// has crossed the recycle threshold, recycles it before returning (the
// recycle runs synchronously in the caller; it is not deferred).
func (p *Pool) Release(agentID string, succeeded bool, duration time.Duration) {
	p.mu.Lock()
	agent, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return
	}
	agent.JobsExecuted++
	agent.CurrentJobID = nil
	agent.Status = v1.AgentStatusIdle
	now := time.Now()
	agent.LastHeartbeat = &now
	if succeeded {
		agent.Metrics.TotalCompleted++
		agent.Metrics.TotalDuration += duration
		agent.Metrics.LastCompletedAt = &now
	} else {
		agent.Metrics.TotalFailed++
	}
	sessionID := agent.SessionID
	needsRecycle := p.cfg.RecycleAfterJobs > 0 && agent.JobsExecuted >= p.cfg.RecycleAfterJobs
	p.mu.Unlock()

	if p.sess != nil && sessionID != "" {
		if err := p.sess.Release(sessionID); err != nil {
			p.logger.Warn("session release failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	if needsRecycle {
		p.Recycle(agentID)
	}
}

// Touch records a heartbeat. An Offline agent without a current job returns
// to Idle; an Offline agent with a current job is left alone until its job
// completion callback resolves the conflict. Repeated heartbeats within a
// window are idempotent: the resulting state never depends on call count,
// only on the latest timestamp and whether a job is in flight.
func (p *Pool) Touch(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.agents[agentID]
	if !ok {
		return false
	}
	now := time.Now()
	agent.LastHeartbeat = &now
	if agent.Status == v1.AgentStatusOffline && agent.CurrentJobID == nil {
		agent.Status = v1.AgentStatusIdle
	}
	return true
}

// MarkOffline transitions a stale agent to Offline. If it held a job, the
// caller is responsible for failing that job; the agent's own status is
// left for the job-completion path to resolve.
func (p *Pool) MarkOffline(agentID, reason string) (*v1.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.agents[agentID]
	if !ok || agent.Status == v1.AgentStatusOffline {
		return nil, false
	}
	agent.Status = v1.AgentStatusOffline
	agent.LastError = reason
	return agent.Clone(), true
}

// MarkError transitions an agent to Error and records the cause, used when
// transport delivery exhausts its retries.
func (p *Pool) MarkError(agentID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.agents[agentID]
	if !ok {
		return
	}
	agent.Status = v1.AgentStatusError
	agent.LastError = reason
	agent.CurrentJobID = nil
}

// Recycle destroys and recreates the agent's bound session in place,
// resetting load counters on success and moving to Error on failure.
func (p *Pool) Recycle(agentID string) {
	p.mu.Lock()
	agent, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return
	}
	agent.Status = v1.AgentStatusRecycling
	sessionID := agent.SessionID
	p.mu.Unlock()

	var recycleErr error
	if p.sess != nil && sessionID != "" {
		recycleErr = p.sess.Recycle(sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok = p.agents[agentID]
	if !ok {
		return
	}
	if recycleErr != nil {
		agent.Status = v1.AgentStatusError
		agent.LastError = recycleErr.Error()
		p.logger.Error("agent recycle failed", zap.String("agent_id", agentID), zap.Error(recycleErr))
		return
	}
	agent.JobsExecuted = 0
	agent.LastError = ""
	agent.Metrics = v1.AgentMetrics{}
	agent.Status = v1.AgentStatusIdle
}
