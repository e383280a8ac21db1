// Package deploy validates uploaded bot archives, records new projects and
// builds their images.
package deploy

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
	"github.com/Dzakiart19/hostingtele/internal/storage"
	"github.com/Dzakiart19/hostingtele/internal/telegram"
	"github.com/Dzakiart19/hostingtele/pkg/crypto"
)

const maxNameLength = 100

var credentialPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Scheduler queues the asynchronous build of a freshly created project.
type Scheduler interface {
	ScheduleBuild(projectID string)
}

// CredentialVerifier checks a bot credential against Telegram.
type CredentialVerifier interface {
	GetMe(ctx context.Context, token string) (telegram.BotInfo, error)
}

// CreateInput is one upload request.
type CreateInput struct {
	OwnerID    int64
	Name       string
	Credential string
	Archive    []byte
	Filename   string
}

// Options configures the creation side of the pipeline.
type Options struct {
	EncryptionKey string
	Limits        Limits
	// Verifier is optional. When set, credentials are checked with getMe.
	Verifier CredentialVerifier
}

// Service accepts uploads and records PENDING projects.
type Service struct {
	projects  repository.ProjectRepository
	archives  storage.ArchiveStore
	scheduler Scheduler
	logs      LogRecorder
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// New constructs the deployment service.
func New(projects repository.ProjectRepository, archives storage.ArchiveStore, scheduler Scheduler, logs LogRecorder, logger *slog.Logger, opts Options) Service {
	return Service{
		projects:  projects,
		archives:  archives,
		scheduler: scheduler,
		logs:      logs,
		logger:    logger.With("component", "deploy"),
		opts:      opts,
		now:       time.Now,
	}
}

// Create validates the upload, stores the archive and the PENDING project and
// schedules its build. It returns before the build starts.
func (s Service) Create(ctx context.Context, input CreateInput) (domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return domain.Project{}, invalid(RuleName, "project name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return domain.Project{}, invalid(RuleName, "project name must be at most %d characters", maxNameLength)
	}
	credential := strings.TrimSpace(input.Credential)
	if !credentialPattern.MatchString(credential) {
		return domain.Project{}, invalid(RuleCredential, "bot token must look like <digits>:<token>")
	}
	info, err := inspectArchive(input.Archive, s.opts.Limits)
	if err != nil {
		return domain.Project{}, err
	}
	if s.opts.Verifier != nil {
		if _, err := s.opts.Verifier.GetMe(ctx, credential); err != nil {
			if errors.Is(err, telegram.ErrInvalidToken) {
				return domain.Project{}, invalid(RuleCredentialRejected, "telegram rejected the bot token")
			}
			return domain.Project{}, err
		}
	}
	encrypted, err := crypto.EncryptString(s.opts.EncryptionKey, credential)
	if err != nil {
		return domain.Project{}, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	project := domain.Project{
		ID:                  uuid.NewString(),
		OwnerID:             input.OwnerID,
		Name:                name,
		Status:              domain.StatusPending,
		RuntimeKind:         info.Runtime,
		EncryptedCredential: encrypted,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	project.ArchiveKey = storage.ArchiveKey(project.ID)

	if err := s.archives.Put(ctx, project.ArchiveKey, input.Archive); err != nil {
		return domain.Project{}, err
	}
	if err := s.projects.CreateProject(ctx, &project); err != nil {
		if delErr := s.archives.Delete(context.WithoutCancel(ctx), project.ArchiveKey); delErr != nil {
			s.logger.Warn("archive rollback failed", "project_id", project.ID, "error", delErr)
		}
		return domain.Project{}, err
	}
	s.logger.Info("project created",
		"project_id", project.ID,
		"owner_id", project.OwnerID,
		"runtime", project.RuntimeKind,
		"archive_bytes", len(input.Archive),
		"filename", input.Filename,
	)
	if s.logs != nil {
		s.logs.Record(ctx, project.ID, domain.LogSourceLifecycle, "info", "project created", map[string]any{
			"runtime": string(project.RuntimeKind),
			"files":   info.Files,
		})
	}
	s.scheduler.ScheduleBuild(project.ID)
	return project, nil
}
