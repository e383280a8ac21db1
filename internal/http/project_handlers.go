package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
	"github.com/Dzakiart19/hostingtele/internal/service/logs"
	"github.com/Dzakiart19/hostingtele/internal/service/project"
	"github.com/Dzakiart19/hostingtele/internal/ws"
)

const multipartMemory = 8 << 20

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.listProjects(w, req)
	case http.MethodPost:
		r.createProject(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) listProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	projects, err := r.projects.List(req.Context(), info.TelegramID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": project.ToViews(projects)})
}

func (r *Router) createProject(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload+multipartOverhead)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		if req.MultipartForm != nil {
			_ = req.MultipartForm.RemoveAll()
		}
	}()

	input := deploy.CreateInput{
		OwnerID:    info.TelegramID,
		Name:       formValue(req, "name"),
		Credential: formValue(req, "credential", "bot_token"),
	}
	archive, filename, err := readArchive(req, r.maxUpload)
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	input.Archive = archive
	input.Filename = filename

	created, err := r.deploy.Create(req.Context(), input)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":    "project created, build queued",
		"project_id": created.ID,
		"status":     string(created.Status),
	})
}

func formValue(req *http.Request, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(req.FormValue(key)); v != "" {
			return v
		}
	}
	return ""
}

// readArchive returns the uploaded archive. A missing file yields an empty
// archive, which the pipeline rejects with its own rule.
func readArchive(req *http.Request, limit int64) ([]byte, string, error) {
	for _, field := range []string{"archive", "zip_file"} {
		file, header, err := req.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		if header.Size > limit {
			return nil, "", &http.MaxBytesError{Limit: limit}
		}
		data, err := io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			return nil, "", err
		}
		if int64(len(data)) > limit {
			return nil, "", &http.MaxBytesError{Limit: limit}
		}
		return data, header.Filename, nil
	}
	return nil, "", nil
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			r.getProject(w, req, projectID)
		case http.MethodDelete:
			r.deleteProject(w, req, projectID)
		default:
			r.methodNotAllowed(w)
		}
		return
	}
	switch parts[1] {
	case "start":
		r.changeState(w, req, projectID, r.lifecycle.Start)
	case "stop":
		r.changeState(w, req, projectID, r.lifecycle.Stop)
	case "logs":
		r.listLogs(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) getProject(w http.ResponseWriter, req *http.Request, projectID string) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	p, err := r.projects.Get(req.Context(), info.TelegramID, projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project.ToView(*p)})
}

func (r *Router) deleteProject(w http.ResponseWriter, req *http.Request, projectID string) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if err := r.lifecycle.Delete(req.Context(), info.TelegramID, projectID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "project deleted",
		"project_id": projectID,
	})
}

type stateChange func(ctx context.Context, ownerID int64, projectID string) (domain.Project, error)

func (r *Router) changeState(w http.ResponseWriter, req *http.Request, projectID string, op stateChange) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	p, err := op(req.Context(), info.TelegramID, projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": p.ID,
		"status":     string(p.Status),
	})
}

func (r *Router) listLogs(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if _, err := r.projects.Get(req.Context(), info.TelegramID, projectID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	entries, err := r.logs.List(req.Context(), projectID, limit, offset)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs": lo.Map(entries, func(e domain.ProjectLog, _ int) logs.EntryView { return logs.View(e) }),
	})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	if _, err := r.projects.Get(req.Context(), info.TelegramID, projectID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(projectID, client)
	go func() {
		defer func() {
			hub.Unregister(projectID, client)
			client.Close()
		}()
		client.ReadLoop()
	}()
}

func (r *Router) authInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}
