// Package docker implements launcher.Launcher with one-shot containers on the
// host Docker daemon. Each container runs the completion-watcher binary in
// one-shot mode for a single correlation id.
package docker

import (
	"context"
	"fmt"
	"imagerelay/internal/apperrors"
	"imagerelay/internal/launcher"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

const (
	labelManagedBy     = "managed-by"
	labelCorrelationID = "watch.correlation-id"
	managedBy          = "completion-watcher"
)

// MetricsRecorder is an optional interface for recording watcher lifecycles.
type MetricsRecorder = launcher.MetricsRecorder

// Launcher starts watcher containers.
type Launcher struct {
	client   *client.Client
	cfg      Config
	registry *launcher.Registry
	logger   *slog.Logger

	waitCtx           context.Context
	cancelWaits       context.CancelFunc
	cancelMaintenance context.CancelFunc
	wg                sync.WaitGroup
}

// New creates a docker launcher. Watcher containers still running from a
// previous process are adopted so their ids are not launched twice.
func New(ctx context.Context, cfg Config, registry *launcher.Registry) (*Launcher, error) {
	cfg = cfg.withDefaults()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	waitCtx, cancelWaits := context.WithCancel(context.Background())
	l := &Launcher{
		client:      dockerClient,
		cfg:         cfg,
		registry:    registry,
		logger:      slog.With("component", "launcher", "mode", launcher.ModeDocker),
		waitCtx:     waitCtx,
		cancelWaits: cancelWaits,
	}

	if err := l.reconcile(ctx); err != nil {
		l.logger.Warn("Failed to reconcile watcher containers", "error", err)
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	l.cancelMaintenance = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runMaintenance(maintenanceCtx, cfg.MaintenanceInterval)
	}()

	return l, nil
}

// reconcile adopts running watcher containers left by a previous process.
func (l *Launcher) reconcile(ctx context.Context) error {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedBy),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	for _, c := range containers {
		id := c.Labels[labelCorrelationID]
		if id == "" {
			continue
		}
		if err := l.registry.Reserve(id); err != nil {
			continue
		}
		l.registry.Commit(id, c.ID)
		l.awaitExit(id, c.ID)
		l.logger.Info("Adopted running watcher", "correlationId", id, "containerId", shortID(c.ID))
	}
	return nil
}

// Launch creates and starts a watcher container for correlationID.
func (l *Launcher) Launch(ctx context.Context, correlationID string) error {
	if err := l.registry.Reserve(correlationID); err != nil {
		return err
	}

	containerID := ""
	success := false
	defer func() {
		if !success {
			l.removeContainer(context.WithoutCancel(ctx), containerID)
			l.registry.Release(correlationID)
		}
	}()

	// detached so a short caller deadline does not abort a large pull
	if err := l.pullImageIfNeeded(context.WithoutCancel(ctx), l.cfg.Image); err != nil {
		return apperrors.Internal("docker.pullImage", err)
	}

	containerConfig, hostConfig, name := l.containerSpec(correlationID)
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return apperrors.Internal("docker.createContainer", err)
	}
	containerID = resp.ID

	if err := l.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return apperrors.Internal("docker.startContainer", err)
	}

	l.registry.Commit(correlationID, containerID)
	success = true

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordWatcherStarted(ctx, launcher.ModeDocker)
	}
	l.logger.Info("Watcher container started", "correlationId", correlationID, "containerId", shortID(containerID))

	l.awaitExit(correlationID, containerID)
	return nil
}

// containerSpec builds the watcher container definition.
func (l *Launcher) containerSpec(correlationID string) (*container.Config, *container.HostConfig, string) {
	env := append([]string{"CORRELATION_ID=" + correlationID}, l.cfg.Env...)

	containerConfig := &container.Config{
		Image: l.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy:     managedBy,
			labelCorrelationID: correlationID,
		},
	}
	hostConfig := &container.HostConfig{
		ExtraHosts: l.cfg.ExtraHosts,
	}
	if l.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(l.cfg.Network)
	}

	return containerConfig, hostConfig, "watcher-" + sanitizeName(correlationID)
}

// awaitExit marks the id finished when its container exits.
func (l *Launcher) awaitExit(correlationID, containerID string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		exitCode, err := l.waitForExit(l.waitCtx, containerID)
		if err != nil && l.waitCtx.Err() != nil {
			return
		}
		l.registry.Finish(correlationID)

		completed := err == nil && exitCode == 0
		kind := "none"
		if !completed {
			kind = "exit_" + fmt.Sprint(exitCode)
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordWatcherFinished(context.Background(), completed, kind)
		}
		l.logger.Info("Watcher container exited", "correlationId", correlationID, "containerId", shortID(containerID), "exitCode", exitCode, "error", err)
	}()
}

func (l *Launcher) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := l.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (l *Launcher) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := l.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *Launcher) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	_ = l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// runMaintenance periodically removes exited watcher containers.
func (l *Launcher) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanupExited(ctx)
		}
	}
}

// cleanupExited removes watcher containers that exited more than the
// retention period ago.
func (l *Launcher) cleanupExited(ctx context.Context) {
	logger := slog.With("component", "maintenance")

	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedBy),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		logger.Warn("Failed to list watcher containers", "error", err)
		return
	}

	now := time.Now()
	cleaned := 0
	for _, c := range containers {
		inspect, err := l.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil {
			continue
		}
		if now.Sub(finishedAt) > l.cfg.RetentionPeriod {
			l.removeContainer(ctx, c.ID)
			cleaned++
		}
	}
	pruned := l.registry.Prune()

	if cleaned > 0 || pruned > 0 {
		logger.Info("Maintenance complete", "containersRemoved", cleaned, "idsForgotten", pruned)
	}
}

// Ready checks if the Docker daemon is reachable and responsive.
func (l *Launcher) Ready(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// Close stops maintenance and exit watching. Running watcher containers are
// left alone and adopted by the next process.
func (l *Launcher) Close() error {
	if l.cancelMaintenance != nil {
		l.cancelMaintenance()
	}
	l.cancelWaits()
	l.wg.Wait()
	return l.client.Close()
}

// sanitizeName keeps the characters Docker allows in container names.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Verify Launcher implements launcher.Launcher
var _ launcher.Launcher = (*Launcher)(nil)
