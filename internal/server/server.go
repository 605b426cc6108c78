package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/chatgate/internal/directory"
	"github.com/Tyrowin/chatgate/internal/registry"
)

// Dependencies are the collaborators a Server needs. Directory may be nil.
type Dependencies struct {
	Verifier  TokenVerifier
	Directory directory.Directory
	Logger    *slog.Logger
}

// Server assembles the registry, hub, authenticator and HTTP surface of one
// chat process.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *registry.Registry
	hub      *Hub
	auth     *Authenticator
	origins  *originPolicy
	upgrader websocket.Upgrader
	metrics  *Metrics
	gatherer prometheus.Gatherer
	stats    *StatsReporter
	cookies  cookieOptions

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	httpServer *http.Server
}

// NewServer wires a Server from cfg. Unset numeric settings fall back to
// their defaults.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.sanitize()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(promRegistry)

	reg := registry.New()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	s := &Server{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		hub:      NewHub(reg, logger, metrics),
		auth:     NewAuthenticator(deps.Verifier, deps.Directory, logger),
		origins:  origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.allows,
		},
		metrics:  metrics,
		gatherer: promRegistry,
		stats:    NewStatsReporter(reg, cfg.StatsInterval, logger, metrics),
		cookies:  cookieOptions{Secure: cfg.CookieSecure},
	}
	return s, nil
}

// Registry exposes the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Hub exposes the broadcast hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and the stats reporter in the background.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run()
	go s.stats.Run(ctx)
	s.log.Info("Hub started and ready to manage WebSocket connections")
}

// ListenAndServe serves the routes on the configured port until Shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.httpServer = CreateServer(s.cfg.Port, s.SetupRoutes())
	httpServer := s.httpServer
	s.mu.Unlock()

	err := StartServer(httpServer, s.log)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener, closes every connection and waits up to
// timeout for the connection goroutines.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	httpServer, started, cancel := s.httpServer, s.started, s.cancel
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := ShutdownServer(httpServer, timeout, s.log); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if started {
		if err := s.hub.Shutdown(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
