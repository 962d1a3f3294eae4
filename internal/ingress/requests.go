package ingress

import v1 "github.com/kandev/orchestratord/pkg/api/v1"

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Name            string            `json:"name" binding:"required"`
	ApplicationPath string            `json:"applicationPath" binding:"required"`
	Arguments       []string          `json:"arguments,omitempty"`
	Steps           []v1.Step         `json:"steps" binding:"required"`
	Priority        v1.Priority       `json:"priority,omitempty"`
	MaxRetries      *int              `json:"maxRetries,omitempty"`
	WebhookURL      string            `json:"webhookUrl,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CreateJobResponse is returned by POST /jobs and POST /templates/{id}/execute.
type CreateJobResponse struct {
	JobID string `json:"jobId"`
}

// CancelJobResponse is returned by POST /jobs/{id}/cancel.
type CancelJobResponse struct {
	Success bool `json:"success"`
}

// ExecuteTemplateRequest is the body of POST /templates/{id}/execute.
type ExecuteTemplateRequest struct {
	Parameters map[string]string `json:"parameters"`
	Priority   *v1.Priority      `json:"priority,omitempty"`
	WebhookURL string            `json:"webhookUrl,omitempty"`
}

// StatusCallbackRequest is the body of PATCH /jobs/{id}/status, sent by an
// agent reporting completion or failure back to the orchestrator.
type StatusCallbackRequest struct {
	Status v1.JobStatus `json:"status" binding:"required"`
	Result string       `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// RegisterAgentRequest is the body of POST /agents.
type RegisterAgentRequest struct {
	Name         string   `json:"name" binding:"required"`
	User         string   `json:"user" binding:"required"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
