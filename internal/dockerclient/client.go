// Package dockerclient wraps the Docker SDK to provide the container
// lifecycle operations a DockerSessionProvisioner needs: one container per
// agent session, running the isolated remote-desktop host image.
package dockerclient

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/kandev/orchestratord/internal/common/config"
	"github.com/kandev/orchestratord/internal/common/logger"
	"go.uber.org/zap"
)

// ContainerConfig holds configuration for creating a session container.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	NetworkMode string
	PortBinding string // host port for the RDP listener; CreateAndStart does not read it and publishes no ports
}

// ContainerInfo holds information about a running container.
type ContainerInfo struct {
	ID     string
	State  string
	Status string
}

// Client wraps the Docker client for session-container lifecycle.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client from configuration.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the underlying Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls the session host image and drains the pull progress stream.
// It pulls even when the image is already present locally.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	return nil
}

// CreateAndStart creates a session container and starts it, returning its id.
func (c *Client) CreateAndStart(ctx context.Context, cfg ContainerConfig) (string, error) {
	containerCfg := &container.Config{
		Image:  cfg.Image,
		Env:    cfg.Env,
		Labels: cfg.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		AutoRemove:  false,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create session container %s: %w", cfg.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start session container %s: %w", resp.ID, err)
	}

	c.logger.Info("session container started", zap.String("container_id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// Stop stops a session container with a grace period.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop session container %s: %w", containerID, err)
	}
	return nil
}

// Remove removes a stopped session container.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove session container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns basic health/status information about a session container.
func (c *Client) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect session container %s: %w", containerID, err)
	}
	return &ContainerInfo{ID: inspect.ID, State: inspect.State.Status, Status: inspect.State.Status}, nil
}
