// Package runtime defines the boundary between the lifecycle manager and the
// container engine that actually runs tenant bots.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the referenced container or image no longer exists.
var ErrNotFound = errors.New("runtime: not found")

// Ref is an opaque handle to a launched container.
type Ref string

// Limits are resource quotas requested at launch.
type Limits struct {
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
}

// LaunchSpec describes a container to create and start.
type LaunchSpec struct {
	Name   string
	Image  string
	Env    []string
	Limits Limits
	Labels map[string]string
}

// ContainerRuntime runs artifacts as isolated supervised processes.
type ContainerRuntime interface {
	Launch(ctx context.Context, spec LaunchSpec) (Ref, error)
	// Stop asks the process to terminate and kills it once grace elapses.
	Stop(ctx context.Context, ref Ref, grace time.Duration) error
	// Remove force-removes the container. Removing a missing container is not an error.
	Remove(ctx context.Context, ref Ref) error
	TailLogs(ctx context.Context, ref Ref, lines int) ([]byte, error)
	IsAlive(ctx context.Context, ref Ref) (bool, error)
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, ref Ref) (int64, error)
}

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// ImageBuilder turns a prepared build directory into a runnable image.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, labels map[string]string, onOutput BuildOutputCallback) error
	RemoveImage(ctx context.Context, tag string) error
}
