// Package memory is an in-process implementation of the repository interfaces.
// It backs tests and STORE_DRIVER=memory single-node runs.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
)

// Store keeps every record in maps guarded by a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	users    map[int64]domain.User
	projects map[string]domain.Project
	logs     map[string][]domain.ProjectLog
	logSeq   int64
}

var _ repository.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[int64]domain.User),
		projects: make(map[string]domain.Project),
		logs:     make(map[string][]domain.ProjectLog),
	}
}

// UpsertUser creates the user or refreshes its display fields.
func (s *Store) UpsertUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[user.TelegramID]; ok {
		user.CreatedAt = existing.CreatedAt
	}
	s.users[user.TelegramID] = *user
	return nil
}

// GetUser returns a user by Telegram id.
func (s *Store) GetUser(_ context.Context, telegramID int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[telegramID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

// CreateProject inserts a new project.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	s.projects[project.ID] = cloneProject(*project)
	return nil
}

// GetProject returns a project, including tombstoned ones.
func (s *Store) GetProject(_ context.Context, id string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p = cloneProject(p)
	return &p, nil
}

// ListProjectsByOwner returns the owner's visible projects, newest first.
func (s *Store) ListProjectsByOwner(_ context.Context, ownerID int64) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.OwnedBy(ownerID) {
			out = append(out, cloneProject(p))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListProjectsByStatus returns every project in one of the given statuses.
func (s *Store) ListProjectsByStatus(_ context.Context, statuses ...domain.ProjectStatus) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Project
	for _, p := range s.projects {
		if slices.Contains(statuses, p.Status) {
			out = append(out, cloneProject(p))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// UpdateProject writes project when the stored UpdatedAt equals expected.
func (s *Store) UpdateProject(_ context.Context, project *domain.Project, expected time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.projects[project.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if !current.UpdatedAt.Equal(expected) {
		return repository.ErrConflict
	}
	project.UpdatedAt = repository.NextUpdatedAt(current.UpdatedAt, time.Now())
	project.CreatedAt = current.CreatedAt
	project.OwnerID = current.OwnerID
	project.RuntimeKind = current.RuntimeKind
	s.projects[project.ID] = cloneProject(*project)
	return nil
}

// AppendLog stores a log line and assigns its id.
func (s *Store) AppendLog(_ context.Context, log *domain.ProjectLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[log.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	s.logSeq++
	log.ID = s.logSeq
	entry := *log
	entry.Metadata = slices.Clone(log.Metadata)
	s.logs[log.ProjectID] = append(s.logs[log.ProjectID], entry)
	return nil
}

// ListLogs returns log lines newest first.
func (s *Store) ListLogs(_ context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[projectID]
	out := make([]domain.ProjectLog, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// DeleteLogs drops every log line of the project.
func (s *Store) DeleteLogs(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, projectID)
	return nil
}

func cloneProject(p domain.Project) domain.Project {
	p.EncryptedCredential = slices.Clone(p.EncryptedCredential)
	return p
}

func sortNewestFirst(projects []domain.Project) {
	slices.SortFunc(projects, func(a, b domain.Project) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
