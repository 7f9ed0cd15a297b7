// ABOUTME: Gateway orchestrator that wires the log, service, and HTTP and gRPC servers
// ABOUTME: Manages listeners (TCP or tailscale), graceful shutdown, and component lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/processor"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// Gateway orchestrates the relay-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.KV
	log          *conversation.Log
	conversation *conversation.Service
	broadcaster  *conversation.Broadcaster
	dedupe       *dedupe.Cache
	limiter      *clientLimiter // nil when rate limiting is disabled
	grpcServer   *grpc.Server   // nil when no gRPC address is configured
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// Option customizes a Gateway at construction.
type Option func(*options)

type options struct {
	processor processor.Processor
	store     store.KV
}

// WithProcessor replaces the configured processor.
func WithProcessor(p processor.Processor) Option {
	return func(o *options) { o.processor = p }
}

// WithStore uses kv instead of opening the configured backend. The
// gateway takes ownership and closes it on Shutdown.
func WithStore(kv store.KV) Option {
	return func(o *options) { o.store = kv }
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer(healthSrv *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthSrv)
	return server
}

// New creates a new Gateway instance with the given configuration. The
// conversation log is loaded before New returns.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	kv := o.store
	if kv == nil {
		var err error
		kv, err = store.Open(store.Options{
			Backend: cfg.Storage.Backend,
			Path:    cfg.Storage.Path,
			Driver:  cfg.Storage.Driver,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
	}

	proc := o.processor
	if proc == nil {
		var err error
		proc, err = processor.New(cfg.Processor, logger)
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("initializing processor: %w", err)
		}
	}

	broadcaster := conversation.NewBroadcaster(logger)
	convLog := conversation.NewLog(kv, broadcaster, logger)
	convLog.Load(context.Background())

	var dedupeCache *dedupe.Cache
	if cfg.Dedupe.TTL > 0 {
		dedupeCache = dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	}

	convService := conversation.NewService(convLog, proc, conversation.Options{
		Relay: relay.Options{
			BufferSize:      cfg.Relay.BufferSize,
			ProducerTimeout: cfg.Relay.ProducerTimeout,
			Logger:          logger,
		},
		Dedupe: dedupeCache,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        kv,
		log:          convLog,
		conversation: convService,
		broadcaster:  broadcaster,
		dedupe:       dedupeCache,
		health:       health.NewServer(),
		logger:       logger.With("component", "gateway"),
	}
	// NOT_SERVING until Run has listeners up
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if cfg.RateLimit.Enabled {
		gw.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = createGRPCServer(gw.health)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler with every route and middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /conversations/{id}/log", g.handleLog)
	mux.Handle("GET /conversations/{id}/say", g.rateLimit(http.HandlerFunc(g.handleSay)))
	mux.HandleFunc("GET /conversations/{id}/tail", g.handleTail)

	return g.logRequests(g.cors(mux))
}

// Log returns the conversation log.
func (g *Gateway) Log() *conversation.Log {
	return g.log
}

// listen opens the health and HTTP listeners, on the tailnet when tailscale
// is enabled. healthLn is nil when no gRPC server was built.
func (g *Gateway) listen(ctx context.Context) (healthLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.listenTailnet(ctx)
	}

	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return nil, httpLn, nil
	}
	healthLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return healthLn, httpLn, nil
}

// serve runs each server on its own goroutine. Serve failures other than
// a closed HTTP server arrive on the returned channel.
func (g *Gateway) serve(healthLn, httpLn net.Listener) <-chan error {
	errCh := make(chan error, 2)

	if healthLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", healthLn.Addr().String())
			if err := g.grpcServer.Serve(healthLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	healthLn, httpLn, err := g.listen(ctx)
	if err != nil {
		return err
	}

	errCh := g.serve(healthLn, httpLn)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		g.logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	// the other server may have failed while the first error was handled
	select {
	case err := <-errCh:
		serveErr = errors.Join(serveErr, err)
	default:
	}

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// stopGRPC waits for in-flight health checks unless ctx ends first.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	stop := context.AfterFunc(ctx, srv.Stop)
	defer stop()
	srv.GracefulStop()
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	check := func(step string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	g.health.Shutdown()

	// Ends open tail streams so the HTTP server can drain
	g.broadcaster.Close()

	check("HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.grpcServer != nil {
		stopGRPC(ctx, g.grpcServer)
	}
	if g.tsnetServer != nil {
		check("tailscale shutdown", g.tsnetServer.Close())
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	check("store close", g.store.Close())

	return errors.Join(errs...)
}
