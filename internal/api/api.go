package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	apierrors "github.com/nkkko/notihub/internal/api/errors"
	"github.com/nkkko/notihub/internal/api/response"
	"github.com/nkkko/notihub/internal/api/validation"
	"github.com/nkkko/notihub/internal/delivery"
	"github.com/nkkko/notihub/internal/hub"
	"github.com/nkkko/notihub/internal/logging"
	"github.com/nkkko/notihub/internal/metrics"
	"github.com/nkkko/notihub/internal/telemetry"
	"github.com/nkkko/notihub/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Origins allowed by CORS and by the stream upgrader
	CORSOrigins []string

	// Prometheus endpoint, served when MetricsEnabled
	MetricsEnabled  bool
	MetricsEndpoint string

	// Trace every request when enabled
	TracingEnabled bool
	ServiceName    string

	// WebSocket stream settings
	StreamBuffer       int
	StreamPingInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		CORSOrigins:        []string{"*"},
		MetricsEnabled:     true,
		MetricsEndpoint:    "/metrics",
		ServiceName:        "notihub",
		StreamBuffer:       64,
		StreamPingInterval: 30 * time.Second,
	}
}

// Hub is the part of the hub the HTTP surface uses
type Hub interface {
	Snapshot() proto.Snapshot
	MarkRead(id string) bool
	MarkAllRead() bool
	AlertPermission() delivery.PermissionState
	RequestAlertPermission(ctx context.Context) delivery.PermissionState
	SetAlertPermission(state delivery.PermissionState) delivery.PermissionState
	SubscribeWithSnapshot(callback hub.Callback) (hub.Handle, proto.Snapshot, error)
	Unsubscribe(handle hub.Handle) bool
}

// ReadinessFunc reports whether the upstream is connected
type ReadinessFunc func() bool

// API serves the hub over HTTP and WebSocket
type API struct {
	config   Config
	hub      Hub
	ready    ReadinessFunc
	router   *chi.Mux
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	server    *http.Server
	closing   chan struct{}
	closeOnce sync.Once
}

// NewAPI creates a new API instance
func NewAPI(config Config, h Hub, ready ReadinessFunc) *API {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = def.CORSOrigins
	}
	if config.MetricsEndpoint == "" {
		config.MetricsEndpoint = def.MetricsEndpoint
	}
	if config.ServiceName == "" {
		config.ServiceName = def.ServiceName
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = def.StreamBuffer
	}
	if config.StreamPingInterval <= 0 {
		config.StreamPingInterval = def.StreamPingInterval
	}
	if ready == nil {
		ready = func() bool { return true }
	}

	a := &API{
		config:  config,
		hub:     h,
		ready:   ready,
		logger:  log.With().Str("component", "api").Logger(),
		metrics: metrics.GetMetrics(),
		closing: make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the root HTTP handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves until ctx is canceled, then shuts the server down gracefully
func (a *API) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}
	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			a.logger.Error().Err(err).Msg("API server error")
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	// hijacked stream connections are not tracked by the server
	a.closeOnce.Do(func() { close(a.closing) })

	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	if server == nil {
		return nil
	}
	a.logger.Info().Msg("Shutting down API server")
	return server.Shutdown(ctx)
}

func (a *API) newRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if a.config.TracingEnabled {
		r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	}
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.config.MetricsEnabled {
		r.Handle(a.config.MetricsEndpoint, promhttp.Handler())
	}

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", a.handleListNotifications)
		r.Post("/read-all", a.handleMarkAllRead)
		r.Post("/{id}/read", a.handleMarkRead)
	})

	r.Route("/permission", func(r chi.Router) {
		r.Get("/", a.handleGetPermission)
		r.Post("/", a.handleRequestPermission)
	})

	r.Get("/stream", a.handleStream)

	return r
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.config.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.ready() {
		response.Error(w, r, apierrors.UnavailableError("upstream_disconnected", "Upstream is not connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.hub.Snapshot())
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.NotEmpty("id", id); err != nil {
		response.Error(w, r, err)
		return
	}
	// an unknown id is not an error, the caller just learns nothing changed
	response.Outcome(w, r, a.hub.MarkRead(id))
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	response.Outcome(w, r, a.hub.MarkAllRead())
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, proto.PermissionResponse{
		Permission: a.hub.AlertPermission().String(),
	})
}

// permissionRequest is the optional body of POST /permission: an answer the
// user already gave. Without a body the hub asks for permission itself.
type permissionRequest struct {
	Permission string `json:"permission"`
	state      delivery.PermissionState
}

func (p *permissionRequest) Validate() error {
	state, err := delivery.ParsePermissionState(p.Permission)
	if err != nil {
		return apierrors.ValidationError("invalid_permission", err.Error())
	}
	p.state = state
	return nil
}

func (a *API) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	hasBody, err := validation.ParseOptional(r, &req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var state delivery.PermissionState
	if hasBody && req.state != delivery.PermissionUnknown {
		state = a.hub.SetAlertPermission(req.state)
	} else {
		state = a.hub.RequestAlertPermission(r.Context())
	}

	response.JSON(w, r, http.StatusOK, proto.PermissionResponse{Permission: state.String()})
}

// metricsMiddleware counts requests by route pattern and status
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
