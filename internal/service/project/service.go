package project

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
)

// ErrNotFound is returned for missing, deleted or foreign projects.
var ErrNotFound = errors.New("project not found")

// Service serves owner-scoped project reads. It never takes a lifecycle lease.
type Service struct {
	projects repository.ProjectRepository
}

// New returns a project service.
func New(projects repository.ProjectRepository) Service {
	return Service{projects: projects}
}

// List returns the owner's visible projects, newest first.
func (s Service) List(ctx context.Context, ownerID int64) ([]domain.Project, error) {
	projects, err := s.projects.ListProjectsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(projects, func(p domain.Project, _ int) bool { return p.OwnedBy(ownerID) }), nil
}

// Get returns a single project. Deleted projects and projects owned by someone
// else are reported as ErrNotFound.
func (s Service) Get(ctx context.Context, ownerID int64, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrNotFound
	}
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !project.OwnedBy(ownerID) {
		return nil, ErrNotFound
	}
	return project, nil
}

// View is the public JSON shape of a project. The credential is never part of it.
type View struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Runtime      string `json:"runtime"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	LastErrorLog string `json:"last_error_log,omitempty"`
	ContainerID  string `json:"container_id,omitempty"`
}

// ToView projects a domain project into its public shape.
func ToView(p domain.Project) View {
	return View{
		ID:           p.ID,
		Name:         p.Name,
		Status:       string(p.Status),
		Runtime:      string(p.RuntimeKind),
		CreatedAt:    p.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		LastErrorLog: p.LastErrorLog,
		ContainerID:  p.ContainerID,
	}
}

// ToViews projects every visible project, dropping tombstones.
func ToViews(projects []domain.Project) []View {
	visible := lo.Filter(projects, func(p domain.Project, _ int) bool { return p.Visible() })
	return lo.Map(visible, func(p domain.Project, _ int) View { return ToView(p) })
}
