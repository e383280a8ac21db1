// Package client is a typed HTTP client for the hostingtele API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
)

const defaultBaseURL = "http://localhost:4000"

// Client provides typed access to the API for interactive tools.
type Client struct {
	http *req.Client
}

// Option customises client instantiation.
type Option func(*req.Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *req.Client) {
		if d > 0 {
			c.SetTimeout(d)
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base, token string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	hc := req.C().
		SetBaseURL(strings.TrimRight(trimmed, "/")).
		SetTimeout(2 * time.Minute).
		SetUserAgent("ziphost")
	if token = strings.TrimSpace(token); token != "" {
		hc.SetCommonBearerAuthToken(token)
	}
	for _, opt := range opts {
		opt(hc)
	}
	return &Client{http: hc}, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Rule    string
}

func (e APIError) Error() string {
	msg := e.Message
	if e.Rule != "" {
		msg = e.Rule + ": " + msg
	}
	if msg == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
}

type errorBody struct {
	Error string `json:"error"`
	Rule  string `json:"rule"`
}

func (c *Client) send(r *req.Request, method, path string, v any) error {
	var failure errorBody
	if v != nil {
		r.SetSuccessResult(v)
	}
	resp, err := r.SetErrorResult(&failure).Send(method, path)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	if resp.IsErrorState() {
		msg := failure.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return APIError{Status: resp.StatusCode, Message: msg, Rule: failure.Rule}
	}
	return nil
}

// User reflects API user payloads.
type User struct {
	TelegramID int64  `json:"telegram_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Username   string `json:"username"`
}

// Me returns the identity behind the configured token.
func (c *Client) Me(ctx context.Context) (User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := c.send(c.http.R().SetContext(ctx), "GET", "/auth/me", &out); err != nil {
		return User{}, err
	}
	return out.User, nil
}

// Project describes a hosted bot.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Runtime      string    `json:"runtime"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastErrorLog string    `json:"last_error_log"`
	ContainerID  string    `json:"container_id"`
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.send(c.http.R().SetContext(ctx), "GET", "/projects", &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// GetProject fetches a single project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var out struct {
		Project Project `json:"project"`
	}
	path := "/projects/" + url.PathEscape(projectID)
	if err := c.send(c.http.R().SetContext(ctx), "GET", path, &out); err != nil {
		return Project{}, err
	}
	return out.Project, nil
}

// CreateProjectInput captures the upload form.
type CreateProjectInput struct {
	Name       string
	Credential string
	Filename   string
	Archive    []byte
}

// StateResponse is returned by create, start and stop.
type StateResponse struct {
	Message   string `json:"message"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

// CreateProject uploads an archive and queues its build.
func (c *Client) CreateProject(ctx context.Context, input CreateProjectInput) (StateResponse, error) {
	filename := input.Filename
	if filename == "" {
		filename = "source.zip"
	}
	r := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"name":       input.Name,
			"credential": input.Credential,
		}).
		SetFileBytes("archive", filename, input.Archive)
	var out StateResponse
	if err := c.send(r, "POST", "/projects", &out); err != nil {
		return StateResponse{}, err
	}
	return out, nil
}

// StartProject starts or rebuilds a project.
func (c *Client) StartProject(ctx context.Context, projectID string) (StateResponse, error) {
	return c.changeState(ctx, projectID, "start")
}

// StopProject stops a running project.
func (c *Client) StopProject(ctx context.Context, projectID string) (StateResponse, error) {
	return c.changeState(ctx, projectID, "stop")
}

func (c *Client) changeState(ctx context.Context, projectID, action string) (StateResponse, error) {
	var out StateResponse
	path := "/projects/" + url.PathEscape(projectID) + "/" + action
	if err := c.send(c.http.R().SetContext(ctx), "POST", path, &out); err != nil {
		return StateResponse{}, err
	}
	return out, nil
}

// DeleteProject removes a project and its runtime resources.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	path := "/projects/" + url.PathEscape(projectID)
	return c.send(c.http.R().SetContext(ctx), "DELETE", path, nil)
}

// LogEntry models a project log line.
type LogEntry struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	Source    string          `json:"source"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// FetchLogs returns recent logs, newest first.
func (c *Client) FetchLogs(ctx context.Context, projectID string, limit, offset int) ([]LogEntry, error) {
	r := c.http.R().SetContext(ctx)
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		r.SetQueryParam("offset", strconv.Itoa(offset))
	}
	var out struct {
		Logs []LogEntry `json:"logs"`
	}
	path := "/projects/" + url.PathEscape(projectID) + "/logs"
	if err := c.send(r, "GET", path, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}
