package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.LogRepository     = (*Repository)(nil)
	_ repository.Store             = (*Repository)(nil)
)

const projectColumns = `id, owner_id, name, status, runtime_kind, encrypted_credential, container_id,
	image_ref, archive_key, last_error_log, created_at, updated_at`

// UpsertUser creates the user on first login and refreshes display fields afterwards.
func (r *Repository) UpsertUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (telegram_id, first_name, last_name, username, photo_url, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (telegram_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			username = EXCLUDED.username,
			photo_url = EXCLUDED.photo_url,
			updated_at = EXCLUDED.updated_at,
			last_login_at = EXCLUDED.last_login_at
		RETURNING created_at`
	row := r.pool.QueryRow(ctx, query, user.TelegramID, user.FirstName, user.LastName, user.Username, user.PhotoURL, user.CreatedAt, user.UpdatedAt, user.LastLoginAt)
	var created time.Time
	if err := row.Scan(&created); err != nil {
		return err
	}
	user.CreatedAt = created.UTC()
	return nil
}

// GetUser retrieves a user by Telegram id.
func (r *Repository) GetUser(ctx context.Context, telegramID int64) (*domain.User, error) {
	const query = `SELECT telegram_id, first_name, last_name, username, photo_url, created_at, updated_at, last_login_at
		FROM users WHERE telegram_id = $1`
	row := r.pool.QueryRow(ctx, query, telegramID)
	var u domain.User
	if err := row.Scan(&u.TelegramID, &u.FirstName, &u.LastName, &u.Username, &u.PhotoURL, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	u.LastLoginAt = u.LastLoginAt.UTC()
	return &u, nil
}

// CreateProject inserts a project row.
func (r *Repository) CreateProject(ctx context.Context, p *domain.Project) error {
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.Name, string(p.Status), string(p.RuntimeKind), p.EncryptedCredential, p.ContainerID,
		p.ImageRef, p.ArchiveKey, p.LastErrorLog, p.CreatedAt, p.UpdatedAt,
	)
	return mapError(err)
}

// GetProject fetches a project by identifier, including tombstoned rows.
func (r *Repository) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		err = mapError(err)
		// A malformed UUID cannot name any row.
		if errors.Is(err, repository.ErrInvalidArgument) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListProjectsByOwner returns visible projects of the owner, newest first.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID int64) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects
		WHERE owner_id = $1 AND status <> 'DELETED'
		ORDER BY created_at DESC, id`
	return r.listProjects(ctx, query, ownerID)
}

// ListProjectsByStatus returns projects in any of the given statuses.
func (r *Repository) ListProjectsByStatus(ctx context.Context, statuses ...domain.ProjectStatus) ([]domain.Project, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	query := `SELECT ` + projectColumns + ` FROM projects
		WHERE status = ANY($1)
		ORDER BY created_at DESC, id`
	return r.listProjects(ctx, query, values)
}

// UpdateProject persists mutable fields when updated_at still matches expected.
func (r *Repository) UpdateProject(ctx context.Context, p *domain.Project, expected time.Time) error {
	const query = `UPDATE projects
		SET name = $3,
			status = $4,
			encrypted_credential = $5,
			container_id = $6,
			image_ref = $7,
			archive_key = $8,
			last_error_log = $9,
			updated_at = $10
		WHERE id = $1 AND updated_at = $2`
	next := repository.NextUpdatedAt(expected, time.Now())
	tag, err := r.pool.Exec(ctx, query,
		p.ID, expected, p.Name, string(p.Status), p.EncryptedCredential, p.ContainerID,
		p.ImageRef, p.ArchiveKey, p.LastErrorLog, next,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return mapError(err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}
	p.UpdatedAt = next
	return nil
}

// AppendLog inserts a project log line.
func (r *Repository) AppendLog(ctx context.Context, log *domain.ProjectLog) error {
	const query = `INSERT INTO project_logs (project_id, source, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	var metadata any
	if len(log.Metadata) > 0 {
		metadata = log.Metadata
	}
	err := r.pool.QueryRow(ctx, query, log.ProjectID, log.Source, log.Level, log.Message, metadata, log.CreatedAt).Scan(&log.ID)
	return mapError(err)
}

// ListLogs fetches logs for a project, newest first.
func (r *Repository) ListLogs(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	const query = `SELECT id, project_id, source, level, message, metadata, created_at
		FROM project_logs WHERE project_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var logs []domain.ProjectLog
	for rows.Next() {
		var l domain.ProjectLog
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Source, &l.Level, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeleteLogs removes every log line of the project.
func (r *Repository) DeleteLogs(ctx context.Context, projectID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM project_logs WHERE project_id = $1`, projectID)
	return mapError(err)
}

func (r *Repository) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p       domain.Project
		status  string
		runtime string
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &status, &runtime, &p.EncryptedCredential, &p.ContainerID,
		&p.ImageRef, &p.ArchiveKey, &p.LastErrorLog, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.ProjectStatus(strings.ToUpper(status))
	p.RuntimeKind = domain.RuntimeKind(runtime)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02", "23514":
			return repository.ErrInvalidArgument
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		}
	}
	return err
}
