package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestratord/internal/agentpool"
	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/events/bus"
	"github.com/kandev/orchestratord/internal/jobstore"
	"github.com/kandev/orchestratord/internal/queue"
	"github.com/kandev/orchestratord/internal/scheduler"
	"github.com/kandev/orchestratord/internal/sessionmgr"
	"github.com/kandev/orchestratord/internal/template"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
)

type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, agent *v1.Agent, job *v1.Job) error { return nil }
func (noopTransport) Cancel(ctx context.Context, agent *v1.Agent, jobID string) error {
	return nil
}
func (noopTransport) Status(ctx context.Context, agent *v1.Agent, jobID string) (*v1.Job, error) {
	return nil, nil
}

func setupTestRouter(t *testing.T) (*gin.Engine, *Handler, *jobstore.Store, *agentpool.Pool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Default()
	jobs := jobstore.New(log)
	sessions := sessionmgr.New(sessionmgr.Config{BasePort: 33890, PortSpan: 1000, PortRetryAttempts: 8}, sessionmgr.NewFakeProvisioner(), log)
	agents := agentpool.New(agentpool.Config{RecycleAfterJobs: 50, MaxConcurrentJobs: 1}, sessions, log)
	eb := bus.NewMemoryEventBus(log)
	q := queue.NewJobQueue(0)
	sched := scheduler.New(q, jobs, agents, noopTransport{}, eb, log, scheduler.Config{})
	tpls := template.New(log)

	h := NewHandler(jobs, sched, agents, sessions, tpls, eb, log)
	router := gin.New()
	SetupRoutes(router.Group(""), h)
	return router, h, jobs, agents
}

func TestCreateJobEnqueuesAndReturnsID(t *testing.T) {
	router, _, jobs, _ := setupTestRouter(t)

	body, _ := json.Marshal(CreateJobRequest{
		Name:            "launch calc",
		ApplicationPath: "calc.exe",
		Steps:           []v1.Step{{Order: 1, Type: v1.StepClick, Target: "#btn"}},
	})

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp CreateJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if jobs.Get(resp.JobID) == nil {
		t.Error("expected job present in store after creation")
	}
}

func TestGetJobReturns404ForUnknownID(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRegisterAgentProvisionsSessionAndReturnsAgent(t *testing.T) {
	router, _, _, agents := setupTestRouter(t)

	body, _ := json.Marshal(RegisterAgentRequest{Name: "worker-1", User: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var agent v1.Agent
	if err := json.Unmarshal(w.Body.Bytes(), &agent); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if agents.Get(agent.ID) == nil {
		t.Error("expected agent registered in pool")
	}
	if agent.SessionID == "" {
		t.Error("expected agent bound to a provisioned session")
	}
}

func TestHeartbeatReturns404ForUnknownAgent(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/agents/ghost/heartbeat", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHealthReturnsOK(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
