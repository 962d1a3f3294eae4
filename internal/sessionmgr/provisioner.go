package sessionmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/dockerclient"
	"go.uber.org/zap"
)

// ProvisionedSession is the handle a SessionProvisioner returns on success:
// host OS user creation and remote-desktop session setup are entirely
// abstracted behind it.
type ProvisionedSession struct {
	ContainerID string
}

// SessionProvisioner abstracts host OS user creation and remote-desktop
// session provisioning, out of scope for this system's own logic (spec §1).
type SessionProvisioner interface {
	Provision(ctx context.Context, userLabel string, port int) (*ProvisionedSession, error)
	Destroy(ctx context.Context, handle *ProvisionedSession) error
	CheckHealth(ctx context.Context, handle *ProvisionedSession) bool
}

// DockerSessionProvisioner provisions one container per session, running
// the isolated remote-desktop host image.
type DockerSessionProvisioner struct {
	client      *dockerclient.Client
	image       string
	networkMode string
	logger      *logger.Logger
}

// NewDockerSessionProvisioner builds a provisioner backed by a live Docker daemon.
func NewDockerSessionProvisioner(client *dockerclient.Client, image, networkMode string, log *logger.Logger) *DockerSessionProvisioner {
	return &DockerSessionProvisioner{
		client:      client,
		image:       image,
		networkMode: networkMode,
		logger:      log.WithFields(zap.String("component", "docker_provisioner")),
	}
}

// Provision starts a session container and passes it the given RDP port in
// its RDP_PORT environment variable; no host port is published.
func (p *DockerSessionProvisioner) Provision(ctx context.Context, userLabel string, port int) (*ProvisionedSession, error) {
	name := fmt.Sprintf("orchestratord-session-%s-%d", userLabel, port)
	containerID, err := p.client.CreateAndStart(ctx, dockerclient.ContainerConfig{
		Name:        name,
		Image:       p.image,
		Env:         []string{fmt.Sprintf("SESSION_USER=%s", userLabel), fmt.Sprintf("RDP_PORT=%d", port)},
		Labels:      map[string]string{"orchestratord.session.user": userLabel},
		NetworkMode: p.networkMode,
	})
	if err != nil {
		return nil, err
	}
	return &ProvisionedSession{ContainerID: containerID}, nil
}

// Destroy stops and removes the session's container.
func (p *DockerSessionProvisioner) Destroy(ctx context.Context, handle *ProvisionedSession) error {
	if handle == nil || handle.ContainerID == "" {
		return nil
	}
	if err := p.client.Stop(ctx, handle.ContainerID, 10*time.Second); err != nil {
		p.logger.Warn("session container stop failed, removing anyway", zap.Error(err))
	}
	return p.client.Remove(ctx, handle.ContainerID)
}

// CheckHealth reports whether the session's container is still running.
func (p *DockerSessionProvisioner) CheckHealth(ctx context.Context, handle *ProvisionedSession) bool {
	if handle == nil || handle.ContainerID == "" {
		return false
	}
	info, err := p.client.Inspect(ctx, handle.ContainerID)
	if err != nil {
		return false
	}
	return info.State == "running"
}

// FakeProvisioner simulates session provisioning in-process, for tests and
// for running without a Docker daemon.
type FakeProvisioner struct {
	FailProvision bool
	FailHealth    bool
}

// NewFakeProvisioner builds a provisioner that always succeeds.
func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{}
}

// Provision returns a synthetic handle unless FailProvision is set.
func (f *FakeProvisioner) Provision(_ context.Context, userLabel string, port int) (*ProvisionedSession, error) {
	if f.FailProvision {
		return nil, fmt.Errorf("fake provisioning failure for user %s", userLabel)
	}
	return &ProvisionedSession{ContainerID: fmt.Sprintf("fake-%s-%d", userLabel, port)}, nil
}

// Destroy is a no-op for the fake provisioner.
func (f *FakeProvisioner) Destroy(_ context.Context, _ *ProvisionedSession) error {
	return nil
}

// CheckHealth reports healthy unless FailHealth is set.
func (f *FakeProvisioner) CheckHealth(_ context.Context, _ *ProvisionedSession) bool {
	return !f.FailHealth
}
