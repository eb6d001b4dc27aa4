// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/position-monitor/internal/ingest"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/service"
	"github.com/position-monitor/internal/types"
)

// Service interfaces for dependency injection and testing

// MonitorService is the part of the monitor the API drives.
type MonitorService interface {
	Track(ctx context.Context, wallet, userID string) (*service.TrackResult, error)
	Untrack(ctx context.Context, wallet string) (int, error)
	Invalidate(ctx context.Context, wallet string) error
	GetPosition(ctx context.Context, ref types.PositionRef) (models.Snapshot, error)
	WalletPositions(ctx context.Context, wallet string) ([]models.Snapshot, error)
	Preference(ctx context.Context, userID string) (models.UserAlertPreference, error)
	SavePreference(ctx context.Context, p models.UserAlertPreference) (models.UserAlertPreference, error)
	Status() models.MonitoringStatus
}

// WebhookIngester processes pushed chain events.
type WebhookIngester interface {
	Handle(ctx context.Context, provider string, body []byte, signature string) (*ingest.Summary, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	monitor    MonitorService
	ingester   WebhookIngester
	gatherer   prometheus.Gatherer
	health     func(ctx context.Context) error
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  float64 // per client; <= 0 disables limiting
	Burst           int
	MaxWebhookBytes int64
}

// ServerDeps are the collaborators of a Server.
type ServerDeps struct {
	Monitor  MonitorService
	Ingester WebhookIngester
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Health, when set, is checked by /health.
	Health func(ctx context.Context) error
	Logger *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps ServerDeps) *Server {
	if config.MaxWebhookBytes <= 0 {
		config.MaxWebhookBytes = 5 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:   mux.NewRouter(),
		monitor:  deps.Monitor,
		ingester: deps.Ingester,
		gatherer: gatherer,
		health:   deps.Health,
		logger:   logger.Component("api"),
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Order matters: the request logger must exist before anything logs.
	s.router.Use(RequestContextMiddleware(s.logger))
	s.router.Use(LoggingMiddleware)
	s.router.Use(MetricsMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Providers push at their own pace; webhooks are not rate limited.
	s.router.HandleFunc("/webhooks/{provider}", s.handleWebhook).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)))
	api.Use(CompressionMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/wallets", s.handleTrackWallet).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{wallet}", s.handleUntrackWallet).Methods(http.MethodDelete)
	api.HandleFunc("/wallets/{wallet}/positions", s.handleWalletPositions).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{wallet}/invalidate", s.handleInvalidateWallet).Methods(http.MethodPost)

	api.HandleFunc("/positions/{ref}", s.handleGetPosition).Methods(http.MethodGet)

	api.HandleFunc("/users/{id}/preferences", s.handleGetPreferences).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/preferences", s.handlePutPreferences).Methods(http.MethodPut)
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "position-monitor",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "position-monitor",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
