package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livee/overlay-service/internal/config"
	"github.com/livee/overlay-service/internal/metrics"
	"github.com/livee/overlay-service/internal/notify"
	"github.com/livee/overlay-service/internal/stream"
)

// Response codes of the JSON envelope
const (
	CodeOK               = 0
	CodeError            = 1000
	CodeDuplicateSession = 1001
)

const maxBodyBytes = 1 << 20

// Controller is the session API the handlers drive
type Controller interface {
	Run(ctx context.Context, url, corrID string) (stream.Endpoint, error)
	Stop(ctx context.Context, corrID string) error
	SessionInfo(corrID string) (stream.SessionInfo, bool)
	Sessions() []stream.SessionInfo
	ActiveCount() int
	NotificationStats() (notify.ClientStats, bool)
}

// Options contains the collaborators of the HTTP server
type Options struct {
	Config   *config.Config
	Sessions Controller
	Metrics  *metrics.Metrics

	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	// Status reports the application status; nil reports "started"
	Status func() string

	Version string
}

// HTTPServer provides the overlay control API plus monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	sessions Controller
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	status   func() string
	version  string
	errs     chan error

	// Server state
	startTime time.Time
}

// Envelope is the body of every /v1 response
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type runRequest struct {
	URL    string `json:"url"`
	CorrID string `json:"corrId"`
}

type stopRequest struct {
	CorrID string `json:"corrId"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(logger *slog.Logger, opts Options) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    opts.Config,
		sessions:  opts.Sessions,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		status:    opts.Status,
		version:   opts.Version,
		errs:      make(chan error, 1),
		startTime: time.Now(),
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.DefaultGatherer
	}
	if h.status == nil {
		h.status = func() string { return "started" }
	}
	if h.version == "" {
		h.version = "dev"
	}

	h.server = &http.Server{
		Addr:        net.JoinHostPort(opts.Config.Server.Host, strconv.Itoa(opts.Config.Server.Port)),
		Handler:     h.routes(),
		ReadTimeout: 10 * time.Second,
		// POST /v1/overlay blocks until the encoder is ready
		WriteTimeout: opts.Config.Capture.GetLaunchTimeoutDuration() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the router serving all endpoints
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// routes configures HTTP API routes
func (h *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(h.recoverer)

	invalidPath := h.withMetrics("invalid_path", h.handleInvalidPath)
	r.NotFound(invalidPath)
	r.MethodNotAllowed(invalidPath)

	// Monitoring endpoints
	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Overlay control API
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.requireJSON)
		r.Post("/overlay", h.withMetrics("/v1/overlay", h.handleRunOverlay))
		r.Delete("/overlay", h.withMetrics("/v1/overlay", h.handleStopOverlay))
		r.Get("/overlay", h.withMetrics("/v1/overlay", h.handleListOverlays))
		r.Get("/overlay/{corrId}", h.withMetrics("/v1/overlay/{corrId}", h.handleOverlayDetail))
	})

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (h *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Debug("HTTP request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(startTime)),
		)
	})
}

// recoverer turns a handler panic into the generic internal error envelope
func (h *HTTPServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			h.logger.Error("Internal error",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("path", r.URL.Path),
				slog.Any("panic", rec),
			)
			writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "Internal error"})
		}()

		next.ServeHTTP(w, r)
	})
}

// requireJSON rejects requests that do not speak JSON
func (h *HTTPServer) requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut ||
			r.Method == http.MethodPatch || r.Method == http.MethodDelete {
			contentType := r.Header.Get("Content-Type")
			if !strings.Contains(contentType, "application/json") {
				h.logger.Debug("Invalid request content-type", slog.String("content_type", contentType))
				writeEnvelope(w, http.StatusBadRequest, Envelope{
					Code:    CodeError,
					Message: `Invalid request content-type header field. Must be "application/json"`,
				})
				return
			}
		}

		accept := r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") {
			h.logger.Debug("Invalid request accept type", slog.String("accept", accept))
			writeEnvelope(w, http.StatusBadRequest, Envelope{
				Code:    CodeError,
				Message: `Invalid request accept header field. Must be "application/json"`,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server. Listen failures are returned; later serve
// failures are delivered on Errors.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
			h.errs <- err
		}
	}()

	return nil
}

// Errors delivers a fatal serve error
func (h *HTTPServer) Errors() <-chan error {
	return h.errs
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleRunOverlay implements POST /v1/overlay
func (h *HTTPServer) handleRunOverlay(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Debug("Invalid run request body", slog.String("error", err.Error()))
		writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "Invalid request body"})
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	req.CorrID = strings.TrimSpace(req.CorrID)
	if req.URL == "" || req.CorrID == "" {
		writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "url and corrId are required"})
		return
	}

	endpoint, err := h.sessions.Run(r.Context(), req.URL, req.CorrID)
	if err != nil {
		if errors.Is(err, stream.ErrDuplicateSession) {
			h.logger.Warn("Overlay already running", slog.String("corr_id", req.CorrID))
			writeEnvelope(w, http.StatusConflict, Envelope{Code: CodeDuplicateSession, Message: "Overlay already running"})
			return
		}

		h.logger.Error("Error during running overlay",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("corr_id", req.CorrID),
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
		writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "Internal error"})
		return
	}

	writeEnvelope(w, http.StatusOK, Envelope{Code: CodeOK, Data: endpoint})
}

// handleStopOverlay implements DELETE /v1/overlay
func (h *HTTPServer) handleStopOverlay(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Debug("Invalid stop request body", slog.String("error", err.Error()))
		writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "Invalid request body"})
		return
	}

	req.CorrID = strings.TrimSpace(req.CorrID)
	if req.CorrID == "" {
		writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "corrId is required"})
		return
	}

	if err := h.sessions.Stop(r.Context(), req.CorrID); err != nil {
		h.logger.Error("Error during stopping overlay",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("corr_id", req.CorrID),
			slog.String("error", err.Error()),
		)
		writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "Internal error"})
		return
	}

	writeEnvelope(w, http.StatusOK, Envelope{Code: CodeOK})
}

// handleListOverlays implements GET /v1/overlay
func (h *HTTPServer) handleListOverlays(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.Sessions()

	writeEnvelope(w, http.StatusOK, Envelope{Code: CodeOK, Data: map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	}})
}

// handleOverlayDetail implements GET /v1/overlay/{corrId}
func (h *HTTPServer) handleOverlayDetail(w http.ResponseWriter, r *http.Request) {
	corrID := strings.TrimSpace(chi.URLParam(r, "corrId"))

	info, exists := h.sessions.SessionInfo(corrID)
	if !exists {
		writeEnvelope(w, http.StatusNotFound, Envelope{Code: CodeError, Message: "Overlay not found"})
		return
	}

	writeEnvelope(w, http.StatusOK, Envelope{Code: CodeOK, Data: info})
}

func (h *HTTPServer) handleInvalidPath(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Invalid path", slog.String("method", r.Method), slog.String("path", r.URL.Path))
	writeEnvelope(w, http.StatusBadRequest, Envelope{Code: CodeError, Message: "Invalid path"})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	appStatus := h.status()

	status, code := "healthy", http.StatusOK
	if appStatus != "started" {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	notifications := map[string]any{"status": "disabled"}
	if stats, ok := h.sessions.NotificationStats(); ok {
		notifications = map[string]any{
			"status":    "running",
			"delivered": stats.Delivered,
			"failed":    stats.Failed,
		}
	}

	health := map[string]any{
		"status":      status,
		"application": appStatus,
		"timestamp":   time.Now().UTC(),
		"uptime":      time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "overlay-service",
			"version": h.version,
		},
		"components": map[string]any{
			"session_manager": map[string]any{
				"status":          "running",
				"active_sessions": h.sessions.ActiveCount(),
			},
			"notifications": notifications,
		},
	}

	writeJSON(w, code, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.Sessions()

	var framesWritten, frameErrors uint64
	byState := make(map[string]int)
	for _, s := range sessions {
		framesWritten += s.FramesWritten
		frameErrors += s.FrameErrors
		byState[s.State]++
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count":   len(sessions),
			"by_state":       byState,
			"frames_written": framesWritten,
			"frame_errors":   frameErrors,
		},
	}
	if notifyStats, ok := h.sessions.NotificationStats(); ok {
		stats["notifications"] = notifyStats
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	// Return sanitized configuration: the callback endpoint may carry credentials
	sanitizedConfig := map[string]any{
		"server": map[string]any{
			"host": c.Server.Host,
			"port": c.Server.Port,
		},
		"browser": map[string]any{
			"headless":       c.Browser.Headless,
			"no_sandbox":     c.Browser.NoSandbox,
			"close_grace_ms": c.Browser.CloseGraceMs,
		},
		"encoder": map[string]any{
			"binary":              c.Encoder.Binary,
			"frame_rate":          c.Encoder.FrameRate,
			"input_pixel_format":  c.Encoder.InputPixelFormat,
			"output_pixel_format": c.Encoder.OutputPixelFormat,
			"kill_timeout":        c.Encoder.KillTimeout,
		},
		"capture": map[string]any{
			"width":             c.Capture.Width,
			"height":            c.Capture.Height,
			"landscape":         c.Capture.Landscape,
			"frame_interval_ms": c.Capture.FrameIntervalMs,
			"decode_timeout_ms": c.Capture.DecodeTimeoutMs,
			"launch_timeout":    c.Capture.LaunchTimeout,
		},
		"ports": map[string]any{
			"listen_host": c.Ports.ListenHost,
			"min":         c.Ports.Min,
			"max":         c.Ports.Max,
		},
		"stop": map[string]any{
			"retries":           c.Stop.Retries,
			"retry_interval_ms": c.Stop.RetryIntervalMs,
		},
		"notification": map[string]any{
			"enabled":         c.Notification.Endpoint != "",
			"timeout":         c.Notification.Timeout,
			"max_attempts":    c.Notification.MaxAttempts,
			"backoff_step_ms": c.Notification.BackoffStepMs,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]any{
		"service": "Overlay Streaming Service",
		"version": h.version,
		"endpoints": map[string]any{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /stats":               "Get service statistics",
			"GET /config":              "Get service configuration",
			"GET /metrics":             "Prometheus metrics",
			"POST /v1/overlay":         "Start an overlay stream {url, corrId}",
			"DELETE /v1/overlay":       "Stop an overlay stream {corrId}",
			"GET /v1/overlay":          "List active overlay streams",
			"GET /v1/overlay/{corrId}": "Get overlay stream information",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
