package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultImage serves a standalone WebDriver endpoint on port 4444
const DefaultImage = "selenium/standalone-chrome:latest"

const (
	driverPort    nat.Port = "4444/tcp"
	readyRetries           = 20
	readyInterval          = 500 * time.Millisecond
	stopTimeout            = 10
)

// Instance is a running upstream container
type Instance struct {
	ContainerID string
	SessionID   string
	Image       string
	Host        string
	Port        string
}

// URL is the WebDriver root of the instance
func (i *Instance) URL() string {
	return fmt.Sprintf("http://%s:%s", i.Host, i.Port)
}

// Launcher starts upstream WebDriver servers in containers
type Launcher struct {
	client *client.Client
	http   *http.Client
	logger *zap.Logger
	stats  tally.Scope

	retries  int
	interval time.Duration
}

// NewLauncher connects to the docker daemon described by the environment
func NewLauncher(logger *zap.Logger, stats tally.Scope) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Launcher{
		client:   cli,
		http:     &http.Client{Timeout: 2 * time.Second},
		logger:   logger.Named("upstream"),
		stats:    stats.SubScope("upstream"),
		retries:  readyRetries,
		interval: readyInterval,
	}, nil
}

// Launch starts img for sessionID and waits until its /status answers
func (l *Launcher) Launch(ctx context.Context, sessionID, img string) (*Instance, error) {
	if img == "" {
		img = DefaultImage
	}

	containerConfig := &container.Config{
		Image: img,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "wdbridge",
		},
		Env: []string{
			"SE_NODE_MAX_SESSIONS=1",
			"SE_NODE_OVERRIDE_MAX_SESSIONS=true",
		},
		ExposedPorts: nat.PortSet{
			driverPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			driverPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		// browsers in containers crash with the default 64MB /dev/shm
		ShmSize: 2 << 30,
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, multierr.Append(
			fmt.Errorf("failed to start container: %w", err),
			l.remove(context.WithoutCancel(ctx), resp.ID))
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, multierr.Append(
			fmt.Errorf("failed to inspect container: %w", err),
			l.Stop(context.WithoutCancel(ctx), resp.ID))
	}

	bindings := inspect.NetworkSettings.Ports[driverPort]
	if len(bindings) == 0 {
		return nil, multierr.Append(
			fmt.Errorf("container %s exposes no %s binding", resp.ID, driverPort),
			l.Stop(context.WithoutCancel(ctx), resp.ID))
	}

	instance := &Instance{
		ContainerID: resp.ID,
		SessionID:   sessionID,
		Image:       img,
		Host:        "127.0.0.1",
		Port:        bindings[0].HostPort,
	}

	if err := l.waitReady(ctx, instance.URL()); err != nil {
		return nil, multierr.Append(
			fmt.Errorf("upstream failed to become ready: %w", err),
			l.Stop(context.WithoutCancel(ctx), resp.ID))
	}

	l.stats.Counter("launched").Inc(1)
	l.logger.Info("upstream container ready",
		zap.String("sessionId", sessionID),
		zap.String("container", resp.ID),
		zap.String("url", instance.URL()))
	return instance, nil
}

// Stop stops and removes a container started by Launch
func (l *Launcher) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeout
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.remove(ctx, containerID); err != nil {
		return err
	}
	l.stats.Counter("stopped").Inc(1)
	return nil
}

func (l *Launcher) remove(ctx context.Context, containerID string) error {
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls img unless it is already present
func (l *Launcher) EnsureImage(ctx context.Context, img string) error {
	if img == "" {
		img = DefaultImage
	}

	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, summary := range images {
		for _, tag := range summary.RepoTags {
			if tag == img {
				return nil
			}
		}
	}

	l.logger.Info("pulling upstream image", zap.String("image", img))
	reader, err := l.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client
func (l *Launcher) Close() error {
	return l.client.Close()
}

// waitReady polls the WebDriver status endpoint until it answers 200
func (l *Launcher) waitReady(ctx context.Context, base string) error {
	url := base + "/status"
	for i := 0; i < l.retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := l.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.interval):
		}
	}
	return fmt.Errorf("upstream did not become ready after %d retries", l.retries)
}

func containerName(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "wdbridge-" + sessionID
}
