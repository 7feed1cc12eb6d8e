package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/auth"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/logs"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/project"
	"github.com/shuttle-hq/shuttle-sub001/internal/ws"
)

// Router wires the control API endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	project  project.Service
	logs     *logs.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, projectSvc project.Service, logSvc *logs.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		auth:    authSvc,
		project: projectSvc,
		logs:    logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
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
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("auth_signup", r.withRateLimit("auth_signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.handlerAuthRate("projects", rateLimitWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.handlerAuthRate("project", rateLimitWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit("logs_ws", r.handlerAuthRate("logs_ws", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrEmailTaken) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for project route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		projects, err := r.project.List(req.Context(), info.AccountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var payload struct {
			Name     string `json:"name"`
			Artifact string `json:"artifact"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		proj, err := r.project.Deploy(req.Context(), info.AccountID, payload.Name, payload.Artifact)
		if err != nil {
			writeError(w, commandStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, proj)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for project route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	name := parts[0]
	if name == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, info.AccountID, name)
	case len(parts) == 2 && parts[1] == "deploy":
		r.handleProjectDeploy(w, req, info.AccountID, name)
	case len(parts) == 2 && parts[1] == "stop":
		r.handleProjectCommand(w, req, name, func(ctx context.Context) (any, error) {
			return r.project.Stop(ctx, info.AccountID, name)
		})
	case len(parts) == 2 && parts[1] == "restart":
		r.handleProjectCommand(w, req, name, func(ctx context.Context) (any, error) {
			return r.project.Restart(ctx, info.AccountID, name)
		})
	case len(parts) == 2 && parts[1] == "destroy":
		r.handleProjectCommand(w, req, name, func(ctx context.Context) (any, error) {
			return r.project.Destroy(ctx, info.AccountID, name)
		})
	case len(parts) == 2 && parts[1] == "logs":
		r.handleProjectLogs(w, req, info.AccountID, name)
	case len(parts) >= 2 && parts[1] == "domains":
		r.handleProjectDomains(w, req, info.AccountID, name, parts[2:])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, accountID, name string) {
	switch req.Method {
	case http.MethodGet:
		proj, domains, err := r.project.Get(req.Context(), accountID, name)
		if err != nil {
			writeError(w, commandStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"project": proj,
			"domains": domains,
		})
	case http.MethodDelete:
		proj, err := r.project.Destroy(req.Context(), accountID, name)
		if err != nil {
			writeError(w, commandStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, proj)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectDeploy(w http.ResponseWriter, req *http.Request, accountID, name string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Artifact string `json:"artifact"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	proj, err := r.project.Deploy(req.Context(), accountID, name, payload.Artifact)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, proj)
}

func (r *Router) handleProjectCommand(w http.ResponseWriter, req *http.Request, name string, fn func(context.Context) (any, error)) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := fn(req.Context())
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handleProjectLogs(w http.ResponseWriter, req *http.Request, accountID, name string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	proj, _, err := r.project.Get(req.Context(), accountID, name)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	lines, err := r.logs.Tail(req.Context(), proj)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, logs.ErrNoContainer) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (r *Router) handleProjectDomains(w http.ResponseWriter, req *http.Request, accountID, name string, rest []string) {
	switch {
	case len(rest) == 0 && req.Method == http.MethodPost:
		var payload struct {
			FQDN string `json:"fqdn"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		binding, err := r.project.AttachDomain(req.Context(), accountID, name, payload.FQDN)
		if err != nil {
			writeError(w, commandStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, binding)
	case len(rest) == 1 && rest[0] != "" && req.Method == http.MethodDelete:
		if err := r.project.DetachDomain(req.Context(), accountID, name, rest[0]); err != nil {
			writeError(w, commandStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for logs websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	name := req.URL.Query().Get("project")
	if name == "" {
		writeError(w, http.StatusBadRequest, "project query parameter required")
		return
	}
	proj, _, err := r.project.Get(req.Context(), info.AccountID, name)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(proj.ID, client)
	// The request context dies when this handler returns; the stream
	// manages its own lifetime and stops once subscribers drop to zero.
	if err := r.logs.EnsureStream(context.Background(), proj); err != nil {
		r.logger.Warn("log stream unavailable", "project", proj.Name, "error", err)
	}
	go func() {
		defer func() {
			r.logs.Hub().Unregister(proj.ID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
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

// commandStatus maps service errors onto HTTP status codes.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, project.ErrNotOwner):
		return http.StatusNotFound
	case errors.Is(err, project.ErrInvalidState), errors.Is(err, project.ErrDomainTaken):
		return http.StatusConflict
	case errors.Is(err, project.ErrInvalidName),
		errors.Is(err, project.ErrInvalidArtifact),
		errors.Is(err, project.ErrInvalidDomain):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
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
			actor = "account"
			fields = append(fields, "account_id", info.AccountID)
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

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
