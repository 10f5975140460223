package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"hookdeploy/internal/deployment"
	"hookdeploy/internal/history"
	"hookdeploy/internal/metrics"
	"hookdeploy/internal/target"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute per client IP
	GlobalRateLimit  = 120
	WebhookRateLimit = 30
)

// Targets is the read-only view of configured targets.
type Targets interface {
	Resolve(repo string) ([]*target.Descriptor, error)
	Get(key target.Key) (*target.Descriptor, error)
	List() []string
	Count() int
}

// Deployer accepts deployment requests.
type Deployer interface {
	Submit(ctx context.Context, req deployment.Request) (*deployment.Receipt, error)
}

// BusyReporter is implemented by deployers that can report which targets
// are deploying right now.
type BusyReporter interface {
	Busy(key target.Key) bool
}

// RunReader queries the audit store.
type RunReader interface {
	ListRuns(ctx context.Context, f history.Filter) ([]*history.RunRecord, error)
}

// Config collects the server's dependencies. History and Metrics are
// optional.
type Config struct {
	WebhookSecret string
	APIKey        string
	Targets       Targets
	Deployer      Deployer
	History       RunReader
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	// TestMode disables rate limiting.
	TestMode bool
}

// Server represents the HTTP server
type Server struct {
	webhookSecret string
	apiKey        string
	targets       Targets
	deployer      Deployer
	history       RunReader
	metrics       *metrics.Metrics
	logger        *slog.Logger
	testMode      bool
	validate      *validator.Validate

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(cfg Config) *Server {
	return &Server{
		webhookSecret: cfg.WebhookSecret,
		apiKey:        cfg.APIKey,
		targets:       cfg.Targets,
		deployer:      cfg.Deployer,
		history:       cfg.History,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		testMode:      cfg.TestMode,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(s.requestLogger)

	// Rate limiting middleware (only if not in test mode)
	if !s.testMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, "global", s.logger))
	}

	r.Get("/health", s.HandleHealth)
	r.Get("/status/{owner}/{repo}", s.HandleStatus)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Deployment routes with a stricter rate limit
	r.Group(func(r chi.Router) {
		if !s.testMode {
			r.Use(NewRateLimitMiddleware(WebhookRateLimit, "deploy", s.logger))
		}
		r.Post("/webhook", s.HandleWebhook)
		r.Post("/deploy", s.HandleDeploy)
	})

	return r
}

// Start serves HTTP until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.logger.Info("Starting server", "addr", addr)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
	server := s.httpServer
	s.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Deployments already accepted keep running; draining them is the
// orchestrator's job.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
