// Package httpx exposes the control plane's operator API.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/substratehq/substrate/internal/service/orchestrator"
	"github.com/substratehq/substrate/internal/service/tenant"
	"github.com/substratehq/substrate/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	tenants       tenant.Service
	runs          orchestrator.Service
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	operatorToken string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitMutations = 60
	rateLimitReads     = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, tenantSvc tenant.Service, runSvc orchestrator.Service, hub *ws.Hub, limiter RateLimiter, operatorToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		tenants: tenantSvc,
		runs:    runSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		operatorToken: strings.TrimSpace(operatorToken),
		dbHealth:      dbHealth,
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
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/tenants", r.audit("/tenants", r.requireOperator(r.withRateLimit("/tenants", rateLimitMutations, rateWindowDefault, r.handleTenants))))
	r.mux.HandleFunc("/tenants/", r.audit("/tenants/{slug}", r.requireOperator(r.withRateLimit("/tenants/{slug}", rateLimitReads, rateWindowDefault, r.handleTenantSubroutes))))
	r.mux.HandleFunc("/ws/runs", r.audit("/ws/runs", r.requireOperator(r.withRateLimit("/ws/runs", rateLimitWebsocket, rateWindowDefault, r.handleRunsWS))))
}

func (r *Router) handleTenants(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleCreateTenant(w, req)
	case http.MethodGet:
		r.handleListTenants(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCreateTenant(w http.ResponseWriter, req *http.Request) {
	var payload tenant.CreateTenantInput
	if err := decodeBody(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := r.tenants.Create(req.Context(), payload)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tenant":       created.Tenant,
		"external_id":  created.ExternalID,
		"trust_policy": created.TrustPolicy,
		"message":      "Save the external_id now. It is not shown again.",
	})
}

func (r *Router) handleListTenants(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	page, err := r.tenants.List(req.Context(), req.URL.Query().Get("cursor"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleTenantSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/tenants/")
	parts := strings.Split(trimmed, "/")
	slug := parts[0]
	if slug == "" {
		r.notFound(w)
		return
	}

	switch {
	case len(parts) == 1:
		r.handleTenant(w, req, slug)
	case len(parts) == 3 && parts[1] == "environments":
		r.handleEnvironment(w, req, slug, parts[2])
	case len(parts) == 4 && parts[1] == "environments":
		r.handleEnvironmentAction(w, req, slug, parts[2], parts[3])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTenant(w http.ResponseWriter, req *http.Request, slug string) {
	switch req.Method {
	case http.MethodGet:
		t, err := r.tenants.Get(req.Context(), slug)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodDelete:
		if err := r.tenants.Delete(req.Context(), slug); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

// handleEnvironment covers /tenants/{slug}/environments/{env}: deleting
// the environment means tearing its stack down.
func (r *Router) handleEnvironment(w http.ResponseWriter, req *http.Request, slug, env string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	run, err := r.runs.Destroy(req.Context(), slug, env)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (r *Router) handleEnvironmentAction(w http.ResponseWriter, req *http.Request, slug, env, action string) {
	switch action {
	case "config":
		r.handleConfig(w, req, slug, env)
	case "deploy":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		run, err := r.runs.Deploy(req.Context(), slug, env)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	case "status":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		run, err := r.runs.Status(req.Context(), slug, env)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	case "outputs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		run, err := r.runs.Outputs(req.Context(), slug, env)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":          run.ID,
			"config_revision": run.ConfigRevision,
			"completed_at":    run.CompletedAt,
			"outputs":         run.Outputs,
		})
	case "runs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		limit := 0
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "limit must be an integer")
				return
			}
			limit = parsed
		}
		runs, err := r.runs.History(req.Context(), slug, env, limit)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		run, err := r.runs.Cancel(req.Context(), slug, env)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleConfig(w http.ResponseWriter, req *http.Request, slug, env string) {
	switch req.Method {
	case http.MethodPut:
		raw, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		record, err := r.tenants.PutConfig(req.Context(), slug, env, raw)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodGet:
		record, err := r.tenants.GetConfig(req.Context(), slug, env)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodDelete:
		if err := r.tenants.DeleteConfig(req.Context(), slug, env); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

// handleRunsWS streams run events. The stack query parameter narrows the
// stream to one stack; omitting it subscribes to everything.
func (r *Router) handleRunsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming disabled")
		return
	}
	stack := strings.TrimSpace(req.URL.Query().Get("stack"))
	if stack == "" {
		stack = ws.AllStacks
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(stack, client)
	go func() {
		defer func() {
			r.hub.Unregister(stack, client)
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

// requireOperator gates a handler behind the static operator token.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.operatorToken
		if expected == "" {
			r.logger.Error("operator token not configured", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "operator authentication misconfigured")
			return
		}
		token := strings.TrimSpace(req.Header.Get("Authorization"))
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = strings.TrimSpace(req.URL.Query().Get("token"))
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("operator token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid operator token")
			return
		}
		next(w, req)
	}
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
		duration := time.Since(start)
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

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

func decodeBody(w http.ResponseWriter, req *http.Request, out any) error {
	defer req.Body.Close()
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	return dec.Decode(out)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
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

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
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
