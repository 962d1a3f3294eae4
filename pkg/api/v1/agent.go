package v1

import (
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of a registered agent host.
//
//	Starting → Idle → Busy → Idle | Error | Offline | Recycling → Idle | Terminating → (removed)
//
// Offline is re-enterable: a heartbeat from an Offline agent raises it back
// to Idle unless it currently holds a job.
type AgentStatus string

const (
	AgentStatusStarting    AgentStatus = "STARTING"
	AgentStatusIdle        AgentStatus = "IDLE"
	AgentStatusBusy        AgentStatus = "BUSY"
	AgentStatusError       AgentStatus = "ERROR"
	AgentStatusOffline     AgentStatus = "OFFLINE"
	AgentStatusRecycling   AgentStatus = "RECYCLING"
	AgentStatusTerminating AgentStatus = "TERMINATING"
)

// AgentMetrics tracks an agent's placement-ranking history.
type AgentMetrics struct {
	TotalCompleted   int           `json:"totalCompleted"`
	TotalFailed      int           `json:"totalFailed"`
	TotalDuration    time.Duration `json:"totalDuration"`
	LastCompletedAt  *time.Time    `json:"lastCompletedAt,omitempty"`
}

// SuccessRate returns completed/(completed+failed), or 1.0 for an agent
// with no history (so new agents are not penalized during placement).
func (m AgentMetrics) SuccessRate() float64 {
	total := m.TotalCompleted + m.TotalFailed
	if total == 0 {
		return 1.0
	}
	return float64(m.TotalCompleted) / float64(total)
}

// AverageDuration returns the mean completed-job duration, or zero with no history.
func (m AgentMetrics) AverageDuration() time.Duration {
	if m.TotalCompleted == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.TotalCompleted)
}

// Agent is a registered isolated worker host capable of executing jobs.
type Agent struct {
	ID                     string       `json:"id"`
	Name                   string       `json:"name"`
	SessionID              string       `json:"sessionId"`
	UserLabel              string       `json:"userLabel"`
	SupportedApplications  []string     `json:"supportedApplications,omitempty"`
	Status                 AgentStatus  `json:"status"`
	MaxConcurrentJobs      int          `json:"maxConcurrentJobs"`
	CreatedAt              time.Time    `json:"createdAt"`
	LastHeartbeat          *time.Time   `json:"lastHeartbeat,omitempty"`
	CurrentJobID           *string      `json:"currentJobId,omitempty"`
	JobsExecuted           int          `json:"jobsExecuted"`
	LastError              string       `json:"lastError,omitempty"`
	Endpoint               string       `json:"endpoint"`
	Metrics                AgentMetrics `json:"metrics"`
}

// SupportsApplication reports capability fit: an agent with no declared
// supported applications accepts anything; otherwise the application target
// must contain one of the agent's entries as a case-insensitive substring.
func (a *Agent) SupportsApplication(applicationTarget string) bool {
	if len(a.SupportedApplications) == 0 {
		return true
	}
	target := strings.ToLower(applicationTarget)
	for _, app := range a.SupportedApplications {
		if strings.Contains(target, strings.ToLower(app)) {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy for snapshot reads.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.SupportedApplications != nil {
		cp.SupportedApplications = append([]string(nil), a.SupportedApplications...)
	}
	if a.LastHeartbeat != nil {
		t := *a.LastHeartbeat
		cp.LastHeartbeat = &t
	}
	if a.CurrentJobID != nil {
		id := *a.CurrentJobID
		cp.CurrentJobID = &id
	}
	if a.Metrics.LastCompletedAt != nil {
		t := *a.Metrics.LastCompletedAt
		cp.Metrics.LastCompletedAt = &t
	}
	return &cp
}
