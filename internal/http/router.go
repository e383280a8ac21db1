// Package httpx exposes the REST and websocket API.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/service/auth"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
	"github.com/Dzakiart19/hostingtele/internal/ws"
	jwtpkg "github.com/Dzakiart19/hostingtele/pkg/jwt"
)

// Authenticator verifies login assertions and session tokens.
type Authenticator interface {
	VerifyAndIssue(ctx context.Context, a auth.Assertion) (auth.Session, *domain.User, error)
	Validate(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error)
}

// ProjectReader serves owner-scoped project reads.
type ProjectReader interface {
	List(ctx context.Context, ownerID int64) ([]domain.Project, error)
	Get(ctx context.Context, ownerID int64, projectID string) (*domain.Project, error)
}

// Deployer accepts uploads.
type Deployer interface {
	Create(ctx context.Context, input deploy.CreateInput) (domain.Project, error)
}

// Lifecycle runs start, stop and delete.
type Lifecycle interface {
	Start(ctx context.Context, ownerID int64, projectID string) (domain.Project, error)
	Stop(ctx context.Context, ownerID int64, projectID string) (domain.Project, error)
	Delete(ctx context.Context, ownerID int64, projectID string) error
}

// LogReader lists project logs and exposes the streaming hub.
type LogReader interface {
	List(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error)
	Hub() *ws.Hub
}

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

// Dependencies bundles everything the router serves.
type Dependencies struct {
	Logger    *slog.Logger
	Auth      Authenticator
	Projects  ProjectReader
	Deploy    Deployer
	Lifecycle Lifecycle
	Logs      LogReader
	Limiter   RateLimiter
	Health    []HealthCheck
	// MaxArchiveBytes caps uploads; the request body may exceed it by the
	// multipart overhead only.
	MaxArchiveBytes int64
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      Authenticator
	projects  ProjectReader
	deploy    Deployer
	lifecycle Lifecycle
	logs      LogReader
	limiter   RateLimiter
	health    []HealthCheck
	upgrader  websocket.Upgrader
	maxUpload int64

	registerer         prometheus.Registerer
	gatherer           prometheus.Gatherer
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	multipartOverhead  = 1 << 20
	defaultMaxUpload   = 50 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    deps.Logger,
		auth:      deps.Auth,
		projects:  deps.Projects,
		deploy:    deps.Deploy,
		lifecycle: deps.Lifecycle,
		logs:      deps.Logs,
		limiter:   deps.Limiter,
		health:    deps.Health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxUpload:  deps.MaxArchiveBytes,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.maxUpload <= 0 {
		r.maxUpload = defaultMaxUpload
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/auth/telegram", r.audit("auth_telegram", r.withRateLimit("auth_telegram", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleTelegramLogin)))
	r.mux.HandleFunc("/auth/me", r.audit("auth_me", r.handlerAuthRate("auth_me", rateLimitUserRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.handlerAuthRate("projects", rateLimitUserWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.handlerAuthRate("project", rateLimitUserRead, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit("ws_logs", r.requireAuthWS(r.withRateLimit("ws_logs", rateLimitWebsocket, rateWindowRealtime, r.rateLimitKeyUser, r.handleLogsWS))))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for _, hc := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := hc.Check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[hc.Name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[hc.Name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.TelegramID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
