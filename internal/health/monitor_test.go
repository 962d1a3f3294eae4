package health

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/orchestratord/internal/agentpool"
	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/events/bus"
	"github.com/kandev/orchestratord/internal/jobstore"
	"github.com/kandev/orchestratord/internal/sessionmgr"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
)

type noopTransport struct{ cancelled []string }

func (n *noopTransport) Send(ctx context.Context, agent *v1.Agent, job *v1.Job) error { return nil }
func (n *noopTransport) Cancel(ctx context.Context, agent *v1.Agent, jobID string) error {
	n.cancelled = append(n.cancelled, jobID)
	return nil
}
func (n *noopTransport) Status(ctx context.Context, agent *v1.Agent, jobID string) (*v1.Job, error) {
	return nil, nil
}

func newHarness(t *testing.T) (*Monitor, *jobstore.Store, *agentpool.Pool, *sessionmgr.Manager, *noopTransport) {
	t.Helper()
	log := logger.Default()
	store := jobstore.New(log)
	sessions := sessionmgr.New(sessionmgr.Config{BasePort: 33890, PortSpan: 1000, PortRetryAttempts: 8}, sessionmgr.NewFakeProvisioner(), log)
	pool := agentpool.New(agentpool.Config{RecycleAfterJobs: 100, MaxConcurrentJobs: 1}, sessions, log)
	tr := &noopTransport{}
	eb := bus.NewMemoryEventBus(log)
	mon := New(store, pool, sessions, tr, eb, log, Config{
		HeartbeatTimeout:  50 * time.Millisecond,
		SessionInactivity: time.Hour,
		SessionMaxJobs:    50,
		JobTimeout:        50 * time.Millisecond,
		MaxCompletedJobs:  1,
	})
	return mon, store, pool, sessions, tr
}

func TestSweepAgentsOfflinesStaleHeartbeatAndFailsCurrentJob(t *testing.T) {
	mon, store, pool, _, _ := newHarness(t)

	stale := time.Now().Add(-time.Hour)
	agent := &v1.Agent{ID: "a1", Status: v1.AgentStatusBusy, LastHeartbeat: &stale, MaxConcurrentJobs: 1}
	jobID := "j1"
	agent.CurrentJobID = &jobID
	pool.Register(agent)

	job := &v1.Job{ID: jobID, Status: v1.JobStatusRunning}
	store.Put(job)

	mon.sweepAgents()

	got := pool.Get("a1")
	if got.Status != v1.AgentStatusOffline {
		t.Fatalf("expected agent offlined, got %s", got.Status)
	}
	if store.Get(jobID).Status != v1.JobStatusFailed {
		t.Errorf("expected job failed after agent went offline, got %s", store.Get(jobID).Status)
	}
}

func TestSweepAgentsIgnoresFreshHeartbeat(t *testing.T) {
	mon, _, pool, _, _ := newHarness(t)

	fresh := time.Now()
	pool.Register(&v1.Agent{ID: "a1", Status: v1.AgentStatusIdle, LastHeartbeat: &fresh, MaxConcurrentJobs: 1})

	mon.sweepAgents()

	if pool.Get("a1").Status != v1.AgentStatusIdle {
		t.Errorf("expected agent to remain Idle, got %s", pool.Get("a1").Status)
	}
}

func TestSweepJobsTimesOutLongRunningJobAndReleasesAgent(t *testing.T) {
	mon, store, pool, _, tr := newHarness(t)

	pool.Register(&v1.Agent{ID: "a1", Status: v1.AgentStatusBusy, MaxConcurrentJobs: 1})

	started := time.Now().Add(-time.Hour)
	job := &v1.Job{ID: "j1", Status: v1.JobStatusRunning, StartedAt: &started, AssignedAgentID: "a1"}
	store.Put(job)

	mon.sweepJobs()

	if store.Get("j1").Status != v1.JobStatusTimeout {
		t.Fatalf("expected job Timeout, got %s", store.Get("j1").Status)
	}
	if pool.Get("a1").Status != v1.AgentStatusIdle {
		t.Errorf("expected agent released to Idle, got %s", pool.Get("a1").Status)
	}
	if len(tr.cancelled) != 1 || tr.cancelled[0] != "j1" {
		t.Errorf("expected best-effort cancel delivered for j1, got %v", tr.cancelled)
	}
}

func TestSweepJobsLeavesRecentlyStartedJobsAlone(t *testing.T) {
	mon, store, _, _, _ := newHarness(t)

	started := time.Now()
	store.Put(&v1.Job{ID: "j1", Status: v1.JobStatusRunning, StartedAt: &started})

	mon.sweepJobs()

	if store.Get("j1").Status != v1.JobStatusRunning {
		t.Errorf("expected job to remain Running, got %s", store.Get("j1").Status)
	}
}

func TestSweepSessionsRecyclesOverBudgetBoundSession(t *testing.T) {
	mon, _, pool, sessions, _ := newHarness(t)

	sess, err := sessions.Create(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.Register(&v1.Agent{ID: "a1", Status: v1.AgentStatusIdle, SessionID: sess.ID, MaxConcurrentJobs: 1})

	for i := 0; i < 60; i++ {
		sessions.Release(sess.ID)
	}

	mon.sweepSessions()

	got := sessions.Get(sess.ID)
	if got.JobsProcessed != 0 {
		t.Errorf("expected recycle to reset jobsProcessed, got %d", got.JobsProcessed)
	}
	if got.Generation <= 1 {
		t.Errorf("expected generation bumped by recycle, got %d", got.Generation)
	}
}

func TestSweepCleanupPrunesTerminalJobsBeyondRetention(t *testing.T) {
	mon, store, _, _, _ := newHarness(t)

	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	store.Put(&v1.Job{ID: "old", Status: v1.JobStatusSuccess, CompletedAt: &old})
	store.Put(&v1.Job{ID: "recent", Status: v1.JobStatusSuccess, CompletedAt: &recent})

	mon.sweepCleanup()

	if store.Get("old") != nil {
		t.Error("expected older completed job pruned once retention is exceeded")
	}
	if store.Get("recent") == nil {
		t.Error("expected most recent completed job retained")
	}
}

func TestSweepCleanupTerminatesOrphanSession(t *testing.T) {
	mon, _, _, sessions, _ := newHarness(t)

	sess, err := sessions.Create(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mon.sweepCleanup()

	if sessions.Get(sess.ID) != nil {
		t.Error("expected unbound session terminated by orphan sweep")
	}
}

func TestStartAndStopRunSweepsWithoutPanicking(t *testing.T) {
	mon, _, pool, _, _ := newHarness(t)
	pool.Register(&v1.Agent{ID: "a1", Status: v1.AgentStatusIdle, MaxConcurrentJobs: 1})

	if err := mon.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mon.Stop()
}
