// Package service wires the relay together: shared store, auth, transports
// and the HTTP surface, driven by environment configuration.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/viant/mcprelay/auth"
	"github.com/viant/mcprelay/authstore"
	"github.com/viant/mcprelay/oauth"
	"github.com/viant/mcprelay/store"
	"github.com/viant/mcprelay/transport"
	httpserver "github.com/viant/mcprelay/transport/server/http"
	"github.com/viant/mcprelay/transport/server/http/sse"
	"github.com/viant/mcprelay/transport/server/http/streamable"
)

const (
	metadataPath  = "/.well-known/oauth-authorization-server"
	probeInterval = 30 * time.Second
	probeAttempts = 5
)

// Service is the assembled relay process.
type Service struct {
	config   *Config
	shared   store.Store
	router   chi.Router
	server   *httpserver.Server
	mcp      *streamable.Handler
	logger   *zap.Logger
	degraded atomic.Bool

	authenticator oauth.Authenticator
	cancelProber  context.CancelFunc
}

// Option mutates service settings.
type Option func(s *Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithAuthenticator supplies the upstream authenticator used by the
// co-hosted authorization server in internal mode.
func WithAuthenticator(authenticator oauth.Authenticator) Option {
	return func(s *Service) { s.authenticator = authenticator }
}

// New connects the shared store and assembles the HTTP surface. A store
// connection failure is returned to the caller, which is expected to exit.
func New(ctx context.Context, config *Config, newHandler transport.NewHandler, options ...Option) (*Service, error) {
	service := &Service{
		config:        config,
		logger:        zap.NewNop(),
		authenticator: oauth.StaticAuthenticator("dev-user"),
	}
	for _, option := range options {
		option(service)
	}

	shared, err := store.NewRedisStore(ctx, config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect shared store: %w", err)
	}
	service.shared = shared

	router := chi.NewRouter()
	var validator auth.Validator
	switch config.AuthMode {
	case AuthModeInternal:
		records := authstore.New(shared)
		authServer := oauth.NewServer(records, service.authenticator, config.BaseURI,
			oauth.WithLogger(service.logger))
		authServer.Mount(router)
		validator = auth.NewLocalValidator(records)
	case AuthModeExternal:
		validator = auth.NewRemoteValidator(config.AuthServerURL+"/introspect", config.BaseURI)
		service.startProber(ctx)
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", config.AuthMode)
	}

	middleware := auth.NewMiddleware(validator,
		auth.WithDegraded(service.degraded.Load),
		auth.WithMiddlewareLogger(service.logger))

	mcpHandler := streamable.New(shared, newHandler, streamable.WithLogger(service.logger))
	service.mcp = mcpHandler
	sseHandler := sse.New(shared, newHandler, sse.WithLogger(service.logger))

	router.Handle("/mcp", middleware.Handler(mcpHandler))
	router.Method(http.MethodGet, "/sse", middleware.Handler(http.HandlerFunc(sseHandler.ServeStream)))
	router.Method(http.MethodPost, "/message", middleware.Handler(http.HandlerFunc(sseHandler.ServeMessage)))
	service.router = router
	return service, nil
}

// Handler exposes the assembled HTTP surface.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Degraded reports whether the external authorization server is currently
// considered unreachable.
func (s *Service) Degraded() bool {
	return s.degraded.Load()
}

// Start serves HTTP on the configured port until Shutdown.
func (s *Service) Start() error {
	s.server = httpserver.NewServer(fmt.Sprintf(":%d", s.config.Port), s.router)
	s.logger.Info("listening",
		zap.Int("port", s.config.Port),
		zap.String("authMode", s.config.AuthMode))
	return s.server.Start()
}

// Shutdown stops the health prober, drains the sessions this replica owns
// and stops the HTTP server gracefully.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancelProber != nil {
		s.cancelProber()
	}
	_ = s.mcp.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// startProber performs the startup probe of the external authorization
// server with exponential backoff, then keeps the degraded flag current in
// the background.
func (s *Service) startProber(ctx context.Context) {
	proberCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelProber = cancel

	if err := s.probeWithBackoff(proberCtx); err != nil {
		s.logger.Warn("authorization server unreachable, entering degraded mode", zap.Error(err))
		s.degraded.Store(true)
	}

	go func() {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-proberCtx.Done():
				return
			case <-ticker.C:
				healthy := s.probeOnce(proberCtx) == nil
				if healthy == s.degraded.Load() {
					if healthy {
						s.logger.Info("authorization server reachable again, leaving degraded mode")
					} else {
						s.logger.Warn("authorization server unreachable, entering degraded mode")
					}
					s.degraded.Store(!healthy)
				}
			}
		}
	}()
}

func (s *Service) probeWithBackoff(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.probeOnce(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(probeAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			s.logger.Debug("authorization server probe failed, retrying",
				zap.Error(err), zap.Duration("backoff", duration))
		}))
	return err
}

// probeOnce checks the metadata discovery endpoint.
func (s *Service) probeOnce(ctx context.Context) error {
	requestCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, s.config.AuthServerURL+metadataPath, nil)
	if err != nil {
		return err
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("authorization server metadata returned %d", response.StatusCode)
	}
	return nil
}
