package agentpool

import (
	"testing"
	"time"

	"github.com/kandev/orchestratord/internal/common/logger"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
)

type fakeSessions struct {
	released []string
	recycled []string
	recycleErr error
}

func (f *fakeSessions) Release(sessionID string) error {
	f.released = append(f.released, sessionID)
	return nil
}

func (f *fakeSessions) Recycle(sessionID string) error {
	f.recycled = append(f.recycled, sessionID)
	return f.recycleErr
}

func newTestPool(sess SessionReleaser) *Pool {
	return New(Config{RecycleAfterJobs: 50, MaxConcurrentJobs: 1}, sess, logger.Default())
}

func idleAgent(id string, apps ...string) *v1.Agent {
	return &v1.Agent{
		ID:                    id,
		Status:                v1.AgentStatusIdle,
		MaxConcurrentJobs:     1,
		SupportedApplications: apps,
		SessionID:             "sess-" + id,
	}
}

func TestPickFiltersNonIdle(t *testing.T) {
	p := newTestPool(nil)
	busy := idleAgent("a1")
	busy.Status = v1.AgentStatusBusy
	p.Register(busy)

	job := &v1.Job{ID: "j1", ApplicationPath: "calc.exe"}
	if got := p.Pick(job); got != nil {
		t.Errorf("expected no pick, got %v", got)
	}
}

func TestPickCapabilityFilter(t *testing.T) {
	p := newTestPool(nil)
	p.Register(idleAgent("notepad-agent", "notepad"))
	p.Register(idleAgent("calc-agent", "calc"))

	job := &v1.Job{ID: "j1", ApplicationPath: "calc.exe"}
	got := p.Pick(job)
	if got == nil || got.ID != "calc-agent" {
		t.Fatalf("expected calc-agent, got %v", got)
	}
}

func TestPickEmptyCapabilitiesAcceptsAny(t *testing.T) {
	p := newTestPool(nil)
	p.Register(idleAgent("generic"))

	job := &v1.Job{ID: "j1", ApplicationPath: "anything.exe"}
	got := p.Pick(job)
	if got == nil || got.ID != "generic" {
		t.Fatalf("expected generic agent, got %v", got)
	}
}

func TestPickRanksBySuccessRateThenLoadThenDuration(t *testing.T) {
	p := newTestPool(nil)

	cold := idleAgent("cold")
	p.Register(cold)

	lowSuccess := idleAgent("low-success")
	lowSuccess.Metrics = v1.AgentMetrics{TotalCompleted: 1, TotalFailed: 9}
	lowSuccess.JobsExecuted = 10
	p.Register(lowSuccess)

	job := &v1.Job{ID: "j1"}
	got := p.Pick(job)
	if got == nil || got.ID != "cold" {
		t.Fatalf("expected cold (1.0 success rate) agent picked first, got %v", got)
	}
}

func TestPickTiebreaksByAgentID(t *testing.T) {
	p := newTestPool(nil)
	p.Register(idleAgent("b-agent"))
	p.Register(idleAgent("a-agent"))

	got := p.Pick(&v1.Job{ID: "j1"})
	if got == nil || got.ID != "a-agent" {
		t.Fatalf("expected a-agent to win tiebreak, got %v", got)
	}
}

func TestPickMarksBusy(t *testing.T) {
	p := newTestPool(nil)
	p.Register(idleAgent("a1"))

	got := p.Pick(&v1.Job{ID: "j1"})
	if got.Status != v1.AgentStatusBusy {
		t.Errorf("expected Busy after pick, got %s", got.Status)
	}

	stored := p.Get("a1")
	if stored.Status != v1.AgentStatusBusy {
		t.Errorf("pool copy must reflect Busy status, got %s", stored.Status)
	}
	if stored.CurrentJobID == nil || *stored.CurrentJobID != "j1" {
		t.Errorf("expected currentJobId j1, got %v", stored.CurrentJobID)
	}
}

func TestReleaseReturnsAgentToIdleAndUpdatesMetrics(t *testing.T) {
	sess := &fakeSessions{}
	p := newTestPool(sess)
	p.Register(idleAgent("a1"))
	p.Pick(&v1.Job{ID: "j1"})

	p.Release("a1", true, 2*time.Second)

	got := p.Get("a1")
	if got.Status != v1.AgentStatusIdle {
		t.Errorf("expected Idle after release, got %s", got.Status)
	}
	if got.CurrentJobID != nil {
		t.Error("expected currentJobId cleared")
	}
	if got.JobsExecuted != 1 {
		t.Errorf("expected jobsExecuted=1, got %d", got.JobsExecuted)
	}
	if got.Metrics.TotalCompleted != 1 {
		t.Errorf("expected totalCompleted=1, got %d", got.Metrics.TotalCompleted)
	}
	if len(sess.released) != 1 || sess.released[0] != "sess-a1" {
		t.Errorf("expected session release called, got %v", sess.released)
	}
}

func TestReleaseTriggersRecycleAtThreshold(t *testing.T) {
	sess := &fakeSessions{}
	p := New(Config{RecycleAfterJobs: 2, MaxConcurrentJobs: 1}, sess, logger.Default())
	p.Register(idleAgent("a1"))

	p.Pick(&v1.Job{ID: "j1"})
	p.Release("a1", true, time.Second)
	p.Pick(&v1.Job{ID: "j2"})
	p.Release("a1", true, time.Second)

	if len(sess.recycled) != 1 {
		t.Fatalf("expected exactly one recycle call, got %d", len(sess.recycled))
	}
	got := p.Get("a1")
	if got.JobsExecuted != 0 {
		t.Errorf("expected jobsExecuted reset after recycle, got %d", got.JobsExecuted)
	}
	if got.Status != v1.AgentStatusIdle {
		t.Errorf("expected Idle after successful recycle, got %s", got.Status)
	}
}

func TestRecycleFailureMovesToError(t *testing.T) {
	sess := &fakeSessions{recycleErr: errBoom}
	p := newTestPool(sess)
	p.Register(idleAgent("a1"))

	p.Recycle("a1")

	got := p.Get("a1")
	if got.Status != v1.AgentStatusError {
		t.Errorf("expected Error after failed recycle, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected lastError recorded")
	}
}

func TestTouchIdempotentAcrossRepeatedHeartbeats(t *testing.T) {
	p := newTestPool(nil)
	p.Register(idleAgent("a1"))
	p.MarkOffline("a1", "stale")

	for i := 0; i < 5; i++ {
		p.Touch("a1")
	}

	got := p.Get("a1")
	if got.Status != v1.AgentStatusIdle {
		t.Errorf("expected offline agent revived to Idle, got %s", got.Status)
	}
}

func TestTouchLeavesBusyAgentAloneWithCurrentJob(t *testing.T) {
	p := newTestPool(nil)
	p.Register(idleAgent("a1"))
	p.Pick(&v1.Job{ID: "j1"})
	p.MarkOffline("a1", "stale")

	p.Touch("a1")

	got := p.Get("a1")
	if got.Status != v1.AgentStatusOffline {
		t.Errorf("expected agent with in-flight job to remain Offline until job resolves, got %s", got.Status)
	}
}

func TestMarkOfflineNotReenteredWhenAlreadyOffline(t *testing.T) {
	p := newTestPool(nil)
	p.Register(idleAgent("a1"))

	_, ok := p.MarkOffline("a1", "first")
	if !ok {
		t.Fatal("expected first MarkOffline to succeed")
	}
	_, ok = p.MarkOffline("a1", "second")
	if ok {
		t.Error("expected MarkOffline on an already-offline agent to be a no-op")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }
