package repository

import (
	"context"
	"time"

	"github.com/Dzakiart19/hostingtele/internal/domain"
)

// UserRepository persists Telegram identities.
type UserRepository interface {
	UpsertUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, telegramID int64) (*domain.User, error)
}

// ProjectRepository persists hosted projects. UpdateProject is a compare-and-swap
// on UpdatedAt: the write succeeds only when the stored row still carries
// expected, otherwise ErrConflict is returned.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID int64) ([]domain.Project, error)
	ListProjectsByStatus(ctx context.Context, statuses ...domain.ProjectStatus) ([]domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project, expected time.Time) error
}

// LogRepository stores project log streams.
type LogRepository interface {
	AppendLog(ctx context.Context, log *domain.ProjectLog) error
	ListLogs(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error)
	DeleteLogs(ctx context.Context, projectID string) error
}

// Store bundles every repository the API needs.
type Store interface {
	UserRepository
	ProjectRepository
	LogRepository
}

// NextUpdatedAt returns a timestamp strictly after prev, normally now. Values are
// truncated to microseconds so they survive a Postgres round trip unchanged.
func NextUpdatedAt(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	if !next.After(prev) {
		next = prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return next
}
