package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/repository"
	"github.com/Dzakiart19/hostingtele/internal/ws"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Service handles log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service. hub may be nil when streaming is disabled.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, entry domain.ProjectLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendLog(ctx, &entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// Record appends a line and only logs persistence failures. Build and lifecycle
// code use it so a log store hiccup never fails a deployment.
func (s Service) Record(ctx context.Context, projectID, source, level, message string, metadata map[string]any) {
	entry := domain.ProjectLog{
		ProjectID: projectID,
		Source:    source,
		Level:     level,
		Message:   message,
	}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err == nil {
			entry.Metadata = data
		}
	}
	if err := s.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("project log append failed", "project_id", projectID, "source", source, "error", err)
	}
}

// List returns logs for a project, newest first.
func (s Service) List(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListLogs(ctx, projectID, limit, offset)
}

// Purge removes the stored log stream of a deleted project.
func (s Service) Purge(ctx context.Context, projectID string) error {
	return s.repo.DeleteLogs(ctx, projectID)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(entry domain.ProjectLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	if !s.hub.Broadcast(entry.ProjectID, data) {
		s.logger.Debug("log broadcast dropped", "project_id", entry.ProjectID)
	}
}

// MarshalEntry formats a project log for streaming payloads.
func MarshalEntry(entry domain.ProjectLog) ([]byte, error) {
	return json.Marshal(View(entry))
}

// EntryView is the JSON shape of a log line.
type EntryView struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	Source    string          `json:"source"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// View projects a log entry into its JSON shape.
func View(entry domain.ProjectLog) EntryView {
	v := EntryView{
		ID:        entry.ID,
		ProjectID: entry.ProjectID,
		Source:    entry.Source,
		Level:     entry.Level,
		Message:   entry.Message,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(entry.Metadata) > 0 {
		v.Metadata = json.RawMessage(entry.Metadata)
	}
	return v
}
