// Package sessionmgr owns Sessions: the 1:1 binding of an isolated
// execution environment to an agent, including port allocation,
// provisioning, and recycle-in-place semantics.
package sessionmgr

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/orchestratord/internal/common/logger"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
	"go.uber.org/zap"
)

// ErrPortExhausted is returned when no free port could be allocated within
// the configured retry budget.
var ErrPortExhausted = fmt.Errorf("no free session port after retry budget")

// Config controls port allocation and provisioning timeouts.
type Config struct {
	BasePort          int
	PortSpan          int
	PortRetryAttempts int
}

// Manager is the concurrency-safe registry of all Sessions.
type Manager struct {
	mu           sync.Mutex
	sessions     map[string]*v1.Session
	handles      map[string]*ProvisionedSession
	ports        map[int]string // port -> session id, for collision checks
	cfg          Config
	provisioner  SessionProvisioner
	logger       *logger.Logger
}

// New constructs an empty Manager.
func New(cfg Config, provisioner SessionProvisioner, log *logger.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*v1.Session),
		handles:     make(map[string]*ProvisionedSession),
		ports:       make(map[int]string),
		cfg:         cfg,
		provisioner: provisioner,
		logger:      log.WithFields(zap.String("component", "sessionmgr")),
	}
}

func randomOffset(span int) int {
	if span <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}

// Create allocates a session id and port, provisions it, and returns the
// resulting Session in Active status on success.
func (m *Manager) Create(ctx context.Context, userLabel string) (*v1.Session, error) {
	port, err := m.allocatePort()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now()
	session := &v1.Session{
		ID:              id,
		UserLabel:       userLabel,
		Status:          v1.SessionStatusStarting,
		CreatedAt:       now,
		LastActivityAt:  now,
		LastHealthCheck: now,
		Port:            port,
		Generation:      1,
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.ports[port] = id
	m.mu.Unlock()

	handle, err := m.provisioner.Provision(ctx, userLabel, port)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		delete(m.ports, port)
		m.mu.Unlock()
		return nil, fmt.Errorf("session provisioning failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session.Status = v1.SessionStatusActive
	m.handles[id] = handle
	return session.Clone(), nil
}

// allocatePort draws basePort+random(0..portSpan), retrying on collision up
// to PortRetryAttempts times before failing the create.
func (m *Manager) allocatePort() (int, error) {
	attempts := m.cfg.PortRetryAttempts
	if attempts <= 0 {
		attempts = 8
	}
	for i := 0; i < attempts; i++ {
		candidate := m.cfg.BasePort + randomOffset(m.cfg.PortSpan)
		m.mu.Lock()
		_, taken := m.ports[candidate]
		m.mu.Unlock()
		if !taken {
			return candidate, nil
		}
	}
	return 0, ErrPortExhausted
}

// Get returns a snapshot copy of the session, or nil if unknown.
func (m *Manager) Get(id string) *v1.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return session.Clone()
}

// List returns snapshot copies of every session.
func (m *Manager) List() []*v1.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Assign binds a session to an agent and marks it Busy.
func (m *Manager) Assign(sessionID, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	session.AssignedAgentID = agentID
	session.Status = v1.SessionStatusBusy
	session.LastActivityAt = time.Now()
	return true
}

// Release marks a session Idle again and bumps its processed-jobs counter.
func (m *Manager) Release(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.Status = v1.SessionStatusIdle
	session.JobsProcessed++
	session.LastActivityAt = time.Now()
	return nil
}

// Terminate destroys the underlying provisioned session and erases it from
// the registry.
func (m *Manager) Terminate(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	session.Status = v1.SessionStatusTerminating
	handle := m.handles[sessionID]
	m.mu.Unlock()

	if err := m.provisioner.Destroy(ctx, handle); err != nil {
		m.logger.Warn("session destroy failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	session.Status = v1.SessionStatusTerminated
	session.TerminatedAt = &now
	delete(m.sessions, sessionID)
	delete(m.handles, sessionID)
	delete(m.ports, session.Port)
	return true
}

// Recycle destroys and recreates the session's underlying environment in
// place, preserving the externally visible session id while bumping its
// generation counter (spec §9 open question on recycle visibility).
func (m *Manager) Recycle(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.Status = v1.SessionStatusRecycling
	oldHandle := m.handles[sessionID]
	userLabel := session.UserLabel
	oldPort := session.Port
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.provisioner.Destroy(ctx, oldHandle); err != nil {
		m.logger.Warn("recycle: destroying old session failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.ports, oldPort)
	m.mu.Unlock()

	newPort, err := m.allocatePort()
	if err != nil {
		m.mu.Lock()
		session.Status = v1.SessionStatusError
		m.mu.Unlock()
		return err
	}

	newHandle, err := m.provisioner.Provision(ctx, userLabel, newPort)
	if err != nil {
		m.mu.Lock()
		session.Status = v1.SessionStatusError
		m.mu.Unlock()
		return fmt.Errorf("recycle provisioning failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session.Port = newPort
	session.Generation++
	session.Metrics.RecycleCount++
	session.Status = v1.SessionStatusActive
	session.JobsProcessed = 0
	session.LastActivityAt = time.Now()
	m.ports[newPort] = sessionID
	m.handles[sessionID] = newHandle
	return nil
}

// CheckHealth asks the provisioner whether the session's environment is
// still alive; a negative result marks the session Unhealthy without
// destroying it — that policy decision belongs to HealthMonitor.
func (m *Manager) CheckHealth(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	handle := m.handles[sessionID]
	m.mu.Unlock()

	healthy := m.provisioner.CheckHealth(ctx, handle)

	m.mu.Lock()
	defer m.mu.Unlock()
	session.LastHealthCheck = time.Now()
	if healthy {
		if session.Status == v1.SessionStatusUnhealthy {
			session.Status = v1.SessionStatusActive
		}
	} else {
		session.Metrics.HealthChecksFailed++
		session.Status = v1.SessionStatusUnhealthy
	}
	return healthy
}
