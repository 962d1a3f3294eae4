package v1

import "time"

// Priority orders jobs within the scheduler's priority queue.
// Higher values are dispatched first; FIFO applies within a tier.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String renders the priority for logging and wire output.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Decay returns the next-lower priority tier, floored at Low.
func (p Priority) Decay() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

// JobStatus is the lifecycle state of a Job. See JobStore.transition for the
// legal state machine.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusAssigned  JobStatus = "ASSIGNED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusTimeout   JobStatus = "TIMEOUT"
	JobStatusRetry     JobStatus = "RETRY"
)

// IsTerminal reports whether a status cannot transition further.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// StepType is the closed set of UI-automation actions an agent can execute.
type StepType string

const (
	StepClick          StepType = "CLICK"
	StepDoubleClick    StepType = "DOUBLE_CLICK"
	StepRightClick     StepType = "RIGHT_CLICK"
	StepTypeText       StepType = "TYPE"
	StepKeyPress       StepType = "KEY_PRESS"
	StepWait           StepType = "WAIT"
	StepWaitForElement StepType = "WAIT_FOR_ELEMENT"
	StepGetText        StepType = "GET_TEXT"
	StepSetText        StepType = "SET_TEXT"
	StepSelectItem     StepType = "SELECT_ITEM"
	StepDragDrop       StepType = "DRAG_DROP"
	StepScroll         StepType = "SCROLL"
	StepTakeScreenshot StepType = "TAKE_SCREENSHOT"
	StepValidate       StepType = "VALIDATE"
	StepCustom         StepType = "CUSTOM"
)

// DefaultStepTimeoutMS is applied to a Step when no timeout is supplied.
const DefaultStepTimeoutMS = 5000

// Step is one UI interaction within a Job's ordered step list.
type Step struct {
	Order           int                    `json:"order"`
	Type            StepType               `json:"type"`
	Target          string                 `json:"target"`
	Value           string                 `json:"value,omitempty"`
	TimeoutMS       int                    `json:"timeoutMs"`
	ContinueOnError bool                   `json:"continueOnError"`
	Description     string                 `json:"description,omitempty"`
	Parameters      map[string]string      `json:"parameters,omitempty"`
}

// DefaultMaxRetries is the max-retry bound applied to a Job when unset.
const DefaultMaxRetries = 3

// Job is a unit of UI-automation work dispatched to exactly one agent at a time.
type Job struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	ApplicationPath    string            `json:"applicationPath"`
	Arguments          []string          `json:"arguments,omitempty"`
	Steps              []Step            `json:"steps"`
	Status             JobStatus         `json:"status"`
	Priority           Priority          `json:"priority"`
	CreatedAt          time.Time         `json:"createdAt"`
	QueuedAt           *time.Time        `json:"queuedAt,omitempty"`
	AssignedAt         *time.Time        `json:"assignedAt,omitempty"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	AssignedAgentID    string            `json:"assignedAgentId,omitempty"`
	Result             string            `json:"result,omitempty"`
	ErrorMessage       string            `json:"errorMessage,omitempty"`
	RetryCount         int               `json:"retryCount"`
	MaxRetries         int               `json:"maxRetries"`
	Screenshots        []string          `json:"screenshots,omitempty"`
	WebhookURL         string            `json:"webhookUrl,omitempty"`
	TemplateID         string            `json:"templateId,omitempty"`
	TemplateParameters map[string]string `json:"templateParameters,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy of the job for snapshot reads: callers
// never observe a Job concurrently mutated by the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Arguments != nil {
		cp.Arguments = append([]string(nil), j.Arguments...)
	}
	if j.Steps != nil {
		cp.Steps = make([]Step, len(j.Steps))
		for i, s := range j.Steps {
			sc := s
			if s.Parameters != nil {
				sc.Parameters = make(map[string]string, len(s.Parameters))
				for k, v := range s.Parameters {
					sc.Parameters[k] = v
				}
			}
			cp.Steps[i] = sc
		}
	}
	if j.Screenshots != nil {
		cp.Screenshots = append([]string(nil), j.Screenshots...)
	}
	if j.TemplateParameters != nil {
		cp.TemplateParameters = make(map[string]string, len(j.TemplateParameters))
		for k, v := range j.TemplateParameters {
			cp.TemplateParameters[k] = v
		}
	}
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
