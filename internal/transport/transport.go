// Package transport delivers job dispatch, cancellation, and status queries
// to agent hosts over HTTP, with a per-agent circuit breaker and a shared
// rate limit protecting the fleet from a dispatch burst.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/kandev/orchestratord/internal/common/errors"
	"github.com/kandev/orchestratord/internal/common/logger"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AgentTransport delivers dispatch, cancellation, and status operations to
// an agent's HTTP endpoint.
type AgentTransport interface {
	Send(ctx context.Context, agent *v1.Agent, job *v1.Job) error
	Cancel(ctx context.Context, agent *v1.Agent, jobID string) error
	Status(ctx context.Context, agent *v1.Agent, jobID string) (*v1.Job, error)
}

// Config controls retry, circuit-breaking, and rate-limiting behavior.
type Config struct {
	SendTimeout        time.Duration
	RetryAttempts      int
	CircuitFailures    int
	CircuitCooldown    time.Duration
	RateLimitPerSecond float64
}

// HTTPTransport is the production AgentTransport, one HTTP client shared
// across all agents with a per-agent circuit breaker.
type HTTPTransport struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *logger.Logger

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

// NewHTTPTransport builds a transport with the given retry/circuit/rate configuration.
func NewHTTPTransport(cfg Config, log *logger.Logger) *HTTPTransport {
	limit := cfg.RateLimitPerSecond
	if limit <= 0 {
		limit = 50
	}
	return &HTTPTransport{
		client:   &http.Client{Timeout: cfg.SendTimeout},
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(limit), int(limit)),
		logger:   log.WithFields(zap.String("component", "transport")),
		breakers: make(map[string]*circuitBreaker),
	}
}

func (t *HTTPTransport) breakerFor(agentID string) *circuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[agentID]
	if !ok {
		failures := t.cfg.CircuitFailures
		if failures <= 0 {
			failures = 5
		}
		cooldown := t.cfg.CircuitCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		b = newCircuitBreaker(failures, cooldown)
		t.breakers[agentID] = b
	}
	return b
}

// Send dispatches a job to an agent's /execute endpoint, retrying transient
// failures with exponential backoff. A 4xx response is terminal: it is the
// agent rejecting the job outright, and retrying would not change the
// outcome. Everything else (5xx, network errors) is retryable.
func (t *HTTPTransport) Send(ctx context.Context, agent *v1.Agent, job *v1.Job) error {
	breaker := t.breakerFor(agent.ID)
	if !breaker.Allow() {
		return apperrors.TransportFailed(agent.ID, fmt.Errorf("circuit open"))
	}

	body, err := json.Marshal(job)
	if err != nil {
		return apperrors.InternalError("failed to encode job for dispatch", err)
	}

	url := fmt.Sprintf("%s/execute", agent.Endpoint)
	lastErr := t.retryingPost(ctx, url, body)
	if lastErr != nil {
		breaker.RecordFailure()
		return apperrors.TransportFailed(agent.ID, lastErr)
	}
	breaker.RecordSuccess()
	return nil
}

// Cancel asks an agent to abort a running job.
func (t *HTTPTransport) Cancel(ctx context.Context, agent *v1.Agent, jobID string) error {
	url := fmt.Sprintf("%s/jobs/%s/cancel", agent.Endpoint, jobID)
	if err := t.retryingPost(ctx, url, nil); err != nil {
		return apperrors.TransportFailed(agent.ID, err)
	}
	return nil
}

// Status retrieves an agent's view of a job's current state. It shares the
// agent's circuit breaker with Send: an open breaker fails it without I/O.
func (t *HTTPTransport) Status(ctx context.Context, agent *v1.Agent, jobID string) (*v1.Job, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, apperrors.TransportFailed(agent.ID, err)
	}
	breaker := t.breakerFor(agent.ID)
	if !breaker.Allow() {
		return nil, apperrors.TransportFailed(agent.ID, fmt.Errorf("circuit open"))
	}

	url := fmt.Sprintf("%s/jobs/%s", agent.Endpoint, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to build status request", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return nil, apperrors.TransportFailed(agent.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		breaker.RecordFailure()
		return nil, apperrors.TransportFailed(agent.ID, err)
	}
	if resp.StatusCode >= 400 {
		breaker.RecordFailure()
		return nil, apperrors.TransportFailed(agent.ID, fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}
	breaker.RecordSuccess()

	var job v1.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, apperrors.InternalError("failed to decode agent status response", err)
	}
	return &job, nil
}

// backoffSchedule is the fixed delay sequence between retry attempts.
var backoffSchedule = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

func (t *HTTPTransport) retryingPost(ctx context.Context, url string, body []byte) error {
	attempts := t.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffSchedule[min(attempt-1, len(backoffSchedule)-1)]
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("agent rejected request with status %d: %s", resp.StatusCode, string(respBody))
		}
		lastErr = fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return lastErr
}
