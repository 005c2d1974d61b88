package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/netstub/internal/admin"
	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/metrics"
	"github.com/wudi/netstub/internal/middleware"
	"github.com/wudi/netstub/internal/netstub"
	"github.com/wudi/netstub/internal/pipeline"
	"github.com/wudi/netstub/internal/proxy"
	"github.com/wudi/netstub/internal/subscriber/webhook"
	"github.com/wudi/netstub/internal/subscriber/wsbridge"
	"github.com/wudi/netstub/internal/tracing"
)

// Server runs the intercepting proxy and the control API for one session
type Server struct {
	configPath string
	startTime  time.Time

	state     *netstub.State
	broker    *netstub.Broker
	tracer    *tracing.Tracer
	metrics   *metrics.Collector
	forwarder *proxy.Forwarder
	pipeline  *pipeline.Pipeline
	accessLog middleware.Middleware

	proxyServer *http.Server
	adminServer *http.Server

	// lifetime of driver sockets
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	config        *config.Config
	webhooks      []*webhook.Subscriber
	reloadHistory []ReloadResult
}

// New builds a server from cfg. configPath is used for reloads and may be empty.
func New(cfg *config.Config, configPath string) (*Server, error) {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	collector := metrics.NewCollector()
	transport, err := proxy.NewTransport(proxy.TransportConfigFrom(cfg.Proxy))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream transport: %w", err)
	}
	fwd, err := proxy.NewForwarder(proxy.Config{
		Transport:   transport,
		IdleTimeout: cfg.Proxy.UpstreamIdleTimeout,
		Tracer:      tracer,
		Metrics:     collector,
	})
	if err != nil {
		return nil, err
	}
	fwd.InterceptedHeaders = netstub.SetDefaultHeaders

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		configPath: configPath,
		startTime:  time.Now(),
		state:      netstub.NewState(collector),
		broker:     netstub.NewBroker(cfg.Subscribers.Timeout, collector, tracer),
		tracer:     tracer,
		metrics:    collector,
		forwarder:  fwd,
		ctx:        ctx,
		cancel:     cancel,
		config:     cfg,
	}

	if cfg.Logging.AccessLog.Enabled {
		if s.accessLog, err = middleware.AccessLog(cfg.Logging.AccessLog); err != nil {
			cancel()
			return nil, fmt.Errorf("access log: %w", err)
		}
	}

	s.pipeline = pipeline.New(nil,
		netstub.SetMatchingRoutes(s.state),
		netstub.InterceptRequest(s.state, s.broker, tracer),
		fwd.SendRequestOutgoing(),
	)

	if err := s.state.Routes.ReplaceOrigin(config.OriginConfig, cfg.Routes); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register routes: %w", err)
	}
	if err := s.setWebhooks(webhook.FromConfig(cfg.Subscribers)); err != nil {
		cancel()
		return nil, err
	}

	s.proxyServer = &http.Server{
		Addr:              cfg.Proxy.Listen,
		Handler:           s.ProxyHandler(),
		ReadHeaderTimeout: cfg.Proxy.ReadHeaderTimeout,
		IdleTimeout:       cfg.Proxy.IdleTimeout,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// State returns the session state
func (s *Server) State() *netstub.State { return s.state }

// Broker returns the event broker
func (s *Server) Broker() *netstub.Broker { return s.broker }

// ProxyHandler returns the handler browsers talk to.
func (s *Server) ProxyHandler() http.Handler {
	chain := middleware.NewChain(middleware.Recovery())
	if s.accessLog != nil {
		chain = chain.Append(s.accessLog)
	}
	if s.tracer.IsEnabled() {
		chain = chain.Append(s.tracer.Middleware())
	}
	return chain.Then(s.pipeline.Handler())
}

// AdminHandler returns the control API handler.
func (s *Server) AdminHandler() http.Handler {
	api := admin.New(s.state, s.broker, admin.Options{
		Socket:   wsbridge.Handler(s.ctx, s.state, s.broker),
		Webhooks: s.Webhooks,
	})
	return middleware.NewChain(middleware.Recovery()).Then(api.Handler())
}

// Webhooks returns the webhook subscribers currently registered
func (s *Server) Webhooks() []*webhook.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhooks
}

// setWebhooks swaps the registered webhook subscribers for subs.
func (s *Server) setWebhooks(subs []*webhook.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, old := range s.webhooks {
		s.broker.Unregister(old.ID())
	}
	for i, sub := range subs {
		if err := s.broker.Register(sub); err != nil {
			for _, registered := range subs[:i] {
				s.broker.Unregister(registered.ID())
			}
			s.webhooks = nil
			return fmt.Errorf("failed to register webhook %s: %w", sub.ID(), err)
		}
	}
	s.webhooks = subs
	return nil
}

// Run serves until ctx ends or a listener fails, then shuts down.
// SIGHUP reloads the config file.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	proxyLn, err := net.Listen("tcp", s.proxyServer.Addr)
	if err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	logging.Info("Starting proxy server", zap.String("listen", proxyLn.Addr().String()))
	g.Go(func() error {
		if err := s.proxyServer.Serve(proxyLn); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	if s.adminServer != nil {
		adminLn, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			proxyLn.Close()
			return fmt.Errorf("admin listener: %w", err)
		}
		logging.Info("Starting admin server", zap.String("listen", adminLn.Addr().String()))
		g.Go(func() error {
			if err := s.adminServer.Serve(adminLn); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				result := s.ReloadConfig()
				if result.Success {
					logging.Info("Config reloaded successfully", zap.Int("changes", len(result.Changes)))
				} else {
					logging.Error("Config reload failed", zap.String("error", result.Error))
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return s.Shutdown(30 * time.Second)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the servers
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Drivers first, so parked transactions are released
	s.cancel()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}
	if err := s.proxyServer.Shutdown(ctx); err != nil {
		logging.Error("Proxy server shutdown error", zap.Error(err))
	}

	if err := s.tracer.Close(); err != nil {
		logging.Error("Tracer close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}
