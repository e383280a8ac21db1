package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Dzakiart19/hostingtele/internal/runtime"
)

const maxLogBytes = 1 << 20

// Launch creates and starts a container without restart policy or published ports.
func (c *Client) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Ref, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		SecurityOpt:   []string{"no-new-privileges:true"},
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": "10m", "max-file": "3"},
		},
		Resources: container.Resources{
			NanoCPUs: spec.Limits.NanoCPUs,
			Memory:   spec.Limits.MemoryBytes,
		},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.inner.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}
	return runtime.Ref(created.ID), nil
}

// Stop sends SIGTERM and lets the daemon kill the container once grace elapses.
func (c *Client) Stop(ctx context.Context, ref runtime.Ref, grace time.Duration) error {
	if ref == "" {
		return fmt.Errorf("container ref cannot be empty")
	}
	seconds := int(grace / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return wrapNotFound("container stop", c.inner.ContainerStop(ctx, string(ref), container.StopOptions{Timeout: &seconds}))
}

// Remove force-removes a container if it exists.
func (c *Client) Remove(ctx context.Context, ref runtime.Ref) error {
	if ref == "" {
		return nil
	}
	err := wrapNotFound("container remove", c.inner.ContainerRemove(ctx, string(ref), container.RemoveOptions{Force: true, RemoveVolumes: true}))
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	return err
}

// TailLogs returns the last lines of combined stdout/stderr.
func (c *Client) TailLogs(ctx context.Context, ref runtime.Ref, lines int) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("container ref cannot be empty")
	}
	tail := "all"
	if lines > 0 {
		tail = strconv.Itoa(lines)
	}
	inspect, err := c.inner.ContainerInspect(ctx, string(ref))
	if err != nil {
		return nil, wrapNotFound("container inspect", err)
	}
	reader, err := c.inner.ContainerLogs(ctx, string(ref), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, wrapNotFound("container logs", err)
	}
	defer reader.Close()

	limited := io.LimitReader(reader, maxLogBytes)
	var buf bytes.Buffer
	if inspect.Config != nil && inspect.Config.Tty {
		_, err = io.Copy(&buf, limited)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, limited)
	}
	if err != nil && buf.Len() == 0 {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	return buf.Bytes(), nil
}

// IsAlive reports whether the container exists and is running.
func (c *Client) IsAlive(ctx context.Context, ref runtime.Ref) (bool, error) {
	if ref == "" {
		return false, nil
	}
	inspect, err := c.inner.ContainerInspect(ctx, string(ref))
	if err != nil {
		err = wrapNotFound("container inspect", err)
		if errors.Is(err, runtime.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Wait blocks until the container stops and returns the exit code.
func (c *Client) Wait(ctx context.Context, ref runtime.Ref) (int64, error) {
	if ref == "" {
		return 0, fmt.Errorf("container ref cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, string(ref), container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			return 0, wrapNotFound("container wait", err)
		case status := <-statusCh:
			if status.Error != nil && status.Error.Message != "" {
				return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
			}
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
