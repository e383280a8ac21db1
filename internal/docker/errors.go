package docker

import (
	"fmt"

	"github.com/docker/docker/client"

	"github.com/Dzakiart19/hostingtele/internal/runtime"
)

// wrapNotFound maps daemon "no such container/image" errors onto runtime.ErrNotFound.
func wrapNotFound(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, runtime.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
