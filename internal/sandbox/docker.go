package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/decisionfirst/runbookd/internal/model"
)

// labelManaged marks containers created by runbookd so stale ones can be
// identified and reaped out of band.
const labelManaged = "dev.decisionfirst.runbookd"

// maxCapturedOutput bounds stdout/stderr captured per command. Output
// beyond this is truncated, not an error.
const maxCapturedOutput = 256 * 1024

// DockerProvisioner provisions execution environments as Docker containers.
type DockerProvisioner struct {
	cli    *client.Client
	logger *slog.Logger
}

var _ Provisioner = (*DockerProvisioner)(nil)

// NewDockerProvisioner connects to the Docker daemon using the standard
// environment configuration (DOCKER_HOST etc.).
func NewDockerProvisioner(ctx context.Context, logger *slog.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("sandbox: ping docker daemon: %w", err)
	}
	return &DockerProvisioner{cli: cli, logger: logger.With("component", "sandbox")}, nil
}

// Provision pulls the base image if needed and starts a long-lived
// container bounded by the spec's resource limits. The container's main
// process is a sleep for the environment's lifetime, so an abandoned
// environment exits on its own even if Release is never called.
func (p *DockerProvisioner) Provision(ctx context.Context, spec model.ExecutionEnvironment) (Handle, error) {
	spec.ApplyDefaults()

	if err := p.ensureImage(ctx, spec.BaseImage); err != nil {
		return Handle{}, err
	}

	env := make([]string, 0, len(spec.EnvironmentVariables))
	for k, v := range spec.EnvironmentVariables {
		env = append(env, k+"="+v)
	}

	mounts := make([]mount.Mount, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.HostPath,
			Target:   v.ContainerPath,
			ReadOnly: v.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:  spec.BaseImage,
		Env:    env,
		Cmd:    []string{"sleep", strconv.Itoa(spec.ResourceLimits.TimeoutSeconds)},
		Labels: map[string]string{labelManaged: spec.Name},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Mounts:      mounts,
		Resources: container.Resources{
			Memory:   int64(spec.ResourceLimits.MemoryMB) * units.MiB,
			NanoCPUs: int64(spec.ResourceLimits.CPULimit * 1e9),
		},
	}

	created, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Handle{}, fmt.Errorf("sandbox: create container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-provisioned container.
		_ = p.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("sandbox: start container: %w", err)
	}

	p.logger.Info("environment provisioned",
		"container_id", created.ID,
		"image", spec.BaseImage,
		"memory_mb", spec.ResourceLimits.MemoryMB,
		"cpu_limit", spec.ResourceLimits.CPULimit)

	return Handle{ContainerID: created.ID}, nil
}

// Execute runs command via `sh -c` inside the container. The timeout is
// enforced locally: on expiry the result reports TimedOut and the exec's
// process is left to the container's own lifetime bound.
func (p *DockerProvisioner) Execute(ctx context.Context, h Handle, command string, timeout time.Duration) (CommandResult, error) {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec, err := p.cli.ContainerExecCreate(ctx, h.ContainerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return CommandResult{}, fmt.Errorf("sandbox: create exec: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(execCtx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return CommandResult{}, fmt.Errorf("sandbox: attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(
			&limitedBuffer{buf: &stdout},
			&limitedBuffer{buf: &stderr},
			attach.Reader,
		)
		copyDone <- copyErr
	}()

	select {
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation (abort), not a per-command timeout.
			return CommandResult{}, ctx.Err()
		}
		p.logger.Warn("command timed out", "container_id", h.ContainerID, "timeout", timeout)
		return CommandResult{
			TimedOut: true,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, nil
	case copyErr := <-copyDone:
		if copyErr != nil {
			return CommandResult{}, fmt.Errorf("sandbox: read exec output: %w", copyErr)
		}
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return CommandResult{}, fmt.Errorf("sandbox: inspect exec: %w", err)
	}

	exitCode := inspect.ExitCode
	return CommandResult{
		ExitCode: &exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// Release force-removes the container. Removing an already-gone
// container is not an error.
func (p *DockerProvisioner) Release(ctx context.Context, h Handle) error {
	if h.ContainerID == "" {
		return nil
	}
	err := p.cli.ContainerRemove(ctx, h.ContainerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("sandbox: remove container: %w", err)
	}
	p.logger.Info("environment released", "container_id", h.ContainerID)
	return nil
}

// Close releases the Docker client connection.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

func (p *DockerProvisioner) ensureImage(ctx context.Context, ref string) error {
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// Drain the pull progress stream; the pull completes when it EOFs.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("sandbox: pull image %s: %w", ref, err)
	}
	return nil
}

// limitedBuffer writes into buf up to maxCapturedOutput bytes and
// silently discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := maxCapturedOutput - l.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}
