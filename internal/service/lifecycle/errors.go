package lifecycle

import (
	"errors"
	"fmt"

	"github.com/Dzakiart19/hostingtele/internal/repository"
)

var (
	// ErrNotFound is returned for missing, deleted or foreign projects.
	ErrNotFound = errors.New("project not found")
	// ErrConflict is returned when another operation holds the project or a
	// concurrent write won the race.
	ErrConflict = errors.New("project is busy")
	// ErrInvalidState is returned when the state machine forbids the operation.
	ErrInvalidState = errors.New("operation not allowed in current state")
)

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}
