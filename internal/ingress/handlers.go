// Package ingress exposes the HTTP surface clients and agents use to submit
// jobs, execute templates, register agents, and report status.
package ingress

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/agentpool"
	"github.com/kandev/orchestratord/internal/common/appctx"
	"github.com/kandev/orchestratord/internal/common/errors"
	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/common/stringutil"
	"github.com/kandev/orchestratord/internal/events"
	"github.com/kandev/orchestratord/internal/events/bus"
	"github.com/kandev/orchestratord/internal/jobstore"
	"github.com/kandev/orchestratord/internal/scheduler"
	"github.com/kandev/orchestratord/internal/sessionmgr"
	"github.com/kandev/orchestratord/internal/template"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
)

const (
	maxListTake        = 100
	maxErrorMessageLen = 500
)

// Handler wires every REST endpoint to the components that back it.
type Handler struct {
	jobs      *jobstore.Store
	scheduler *scheduler.Scheduler
	agents    *agentpool.Pool
	sessions  *sessionmgr.Manager
	templates *template.Engine
	eventBus  bus.EventBus
	logger    *logger.Logger
}

// NewHandler constructs the ingress Handler.
func NewHandler(jobs *jobstore.Store, sched *scheduler.Scheduler, agents *agentpool.Pool, sessions *sessionmgr.Manager, templates *template.Engine, eb bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		jobs:      jobs,
		scheduler: sched,
		agents:    agents,
		sessions:  sessions,
		templates: templates,
		eventBus:  eb,
		logger:    log.WithFields(zap.String("component", "ingress")),
	}
}

func (h *Handler) respondErr(c *gin.Context, err error) {
	appErr := errors.Wrap(err, "request failed")
	c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
}

func (h *Handler) publish(eventType string, data map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "ingress", data)
	if err := h.eventBus.Publish(context.Background(), eventType, evt); err != nil {
		h.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// CreateJob handles POST /jobs.
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = v1.PriorityNormal
	}
	maxRetries := v1.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	job := &v1.Job{
		ID:              uuid.New().String(),
		Name:            req.Name,
		ApplicationPath: req.ApplicationPath,
		Arguments:       req.Arguments,
		Steps:           req.Steps,
		Status:          v1.JobStatusPending,
		Priority:        priority,
		CreatedAt:       time.Now(),
		MaxRetries:      maxRetries,
		WebhookURL:      req.WebhookURL,
		Metadata:        req.Metadata,
	}

	h.submit(c, job)
}

// ExecuteTemplate handles POST /templates/{id}/execute.
func (h *Handler) ExecuteTemplate(c *gin.Context) {
	templateID := c.Param("id")

	var req ExecuteTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = ExecuteTemplateRequest{}
	}

	job, err := h.templates.Expand(templateID, req.Parameters)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	job.ID = uuid.New().String()
	job.CreatedAt = time.Now()
	job.TemplateID = templateID
	job.TemplateParameters = req.Parameters
	job.WebhookURL = req.WebhookURL
	if req.Priority != nil {
		job.Priority = *req.Priority
	}

	h.submit(c, job)
}

func (h *Handler) submit(c *gin.Context, job *v1.Job) {
	h.jobs.Put(job)
	h.publish(events.JobCreated, map[string]interface{}{"jobId": job.ID})

	if err := h.scheduler.Enqueue(job); err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateJobResponse{JobID: job.ID})
}

// GetJob handles GET /jobs/{id}.
func (h *Handler) GetJob(c *gin.Context) {
	job := h.jobs.Get(c.Param("id"))
	if job == nil {
		appErr := errors.NotFound("job", c.Param("id"))
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /jobs?status=&skip=&take=.
func (h *Handler) ListJobs(c *gin.Context) {
	var statusFilter *v1.JobStatus
	if raw := c.Query("status"); raw != "" {
		s := v1.JobStatus(raw)
		statusFilter = &s
	}

	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	take, _ := strconv.Atoi(c.DefaultQuery("take", strconv.Itoa(maxListTake)))
	if take <= 0 || take > maxListTake {
		take = maxListTake
	}
	if skip < 0 {
		skip = 0
	}

	c.JSON(http.StatusOK, h.jobs.List(statusFilter, skip, take))
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handler) CancelJob(c *gin.Context) {
	if err := h.scheduler.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelJobResponse{Success: true})
}

// StatusCallback handles PATCH /jobs/{id}/status, the channel an agent uses
// to report a job's terminal outcome.
func (h *Handler) StatusCallback(c *gin.Context) {
	jobID := c.Param("id")

	var req StatusCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}

	job := h.jobs.Get(jobID)
	if job == nil {
		appErr := errors.NotFound("job", jobID)
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}

	var duration time.Duration
	if job.StartedAt != nil {
		duration = time.Since(*job.StartedAt)
	}

	success := req.Status == v1.JobStatusSuccess
	h.scheduler.HandleCompletion(jobID, success, req.Result, stringutil.TruncateStringWithEllipsis(req.Error, maxErrorMessageLen), duration)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListTemplates handles GET /templates.
func (h *Handler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.templates.List())
}

// GetTemplate handles GET /templates/{id}.
func (h *Handler) GetTemplate(c *gin.Context) {
	tpl := h.templates.Get(c.Param("id"))
	if tpl == nil {
		appErr := errors.TemplateNotFound(c.Param("id"))
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// RegisterAgent handles POST /agents: provisions a session then registers
// the agent bound to it.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}

	session, err := h.sessions.Create(c.Request.Context(), req.User)
	if err != nil {
		appErr := errors.AgentUnavailable(err.Error())
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}
	h.publish(events.SessionCreated, map[string]interface{}{"sessionId": session.ID})

	agent := &v1.Agent{
		ID:                    uuid.New().String(),
		Name:                  req.Name,
		SessionID:             session.ID,
		UserLabel:             req.User,
		SupportedApplications: req.Capabilities,
		Status:                v1.AgentStatusStarting,
		MaxConcurrentJobs:     1,
		CreatedAt:             time.Now(),
		Endpoint:              "http://" + session.ID + ":" + strconv.Itoa(session.Port),
	}
	h.agents.Register(agent)
	h.sessions.Assign(session.ID, agent.ID)
	h.publish(events.SessionAssigned, map[string]interface{}{"sessionId": session.ID, "agentId": agent.ID})
	h.agents.MarkIdle(agent.ID)
	h.publish(events.AgentRegistered, map[string]interface{}{"agentId": agent.ID, "sessionId": session.ID})
	h.publish(events.AgentOnline, map[string]interface{}{"agentId": agent.ID})

	c.JSON(http.StatusCreated, h.agents.Get(agent.ID))
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, h.agents.List())
}

// Heartbeat handles POST /agents/{id}/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	agentID := c.Param("id")
	if !h.agents.Touch(agentID) {
		appErr := errors.NotFound("agent", agentID)
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}
	h.publish(events.AgentHeartbeat, map[string]interface{}{"agentId": agentID})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UnregisterAgent handles DELETE /agents/{id}.
func (h *Handler) UnregisterAgent(c *gin.Context) {
	agentID := c.Param("id")
	agent := h.agents.Get(agentID)
	if agent == nil {
		appErr := errors.NotFound("agent", agentID)
		c.JSON(appErr.HTTPStatus, errors.ToFailureResponse(appErr))
		return
	}

	h.agents.Unregister(agentID)
	if agent.SessionID != "" {
		stop := make(chan struct{})
		ctx, cancel := appctx.Detached(c.Request.Context(), stop, 30*time.Second)
		defer cancel()
		h.sessions.Terminate(ctx, agent.SessionID)
	}
	h.publish(events.AgentUnregistered, map[string]interface{}{"agentId": agentID})

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
