// Package dockerdriver is C7's optional Docker-backed spawn mode, selected
// by AgentConfig.Isolation == "docker". Adapted from the teacher's
// internal/agent/docker.Client: the attach/stream/kill shape survives, but
// container lifecycle (images, mounts, resource limits) is trimmed down to
// what one worker subprocess needs — a single interactive container per run,
// torn down on exit.
package dockerdriver

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/platform/logger"
)

// Spec describes the container to run for one worker subprocess.
type Spec struct {
	Image      string
	Argv       []string
	Env        []string
	WorkingDir string
	Labels     map[string]string
}

// Attached is the live I/O handle onto a spawned container.
type Attached struct {
	ContainerID string
	Stdin       io.WriteCloser
	Stdout      io.Reader
}

// Driver wraps the Docker SDK for C7's single-container-per-run spawn mode.
type Driver struct {
	cli    *client.Client
	logger *logger.Logger
}

// New builds a Driver talking to the local Docker daemon.
func New(log *logger.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Driver{cli: cli, logger: log.WithFields(zap.String("component", "dockerdriver"))}, nil
}

// Close releases the underlying Docker client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// Spawn creates, starts, and attaches to a container running spec's command,
// returning the live stdin/stdout handle.
func (d *Driver) Spawn(ctx context.Context, name string, spec Spec) (*Attached, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Argv,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, &container.HostConfig{AutoRemove: false}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	attach, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to container %s: %w", resp.ID, err)
	}

	d.logger.Info("spawned container worker", zap.String("container_id", resp.ID), zap.String("image", spec.Image))
	return &Attached{ContainerID: resp.ID, Stdin: attach.Conn, Stdout: attach.Reader}, nil
}

// Signal sends a named signal (e.g. "SIGINT", "SIGKILL") to the container's
// main process.
func (d *Driver) Signal(ctx context.Context, containerID, signal string) error {
	return d.cli.ContainerKill(ctx, containerID, signal)
}

// Wait blocks until the container stops, returning its exit code.
func (d *Driver) Wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Remove removes the container, forcing if still running.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
