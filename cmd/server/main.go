// Package main is the entry point for the cartfee server.
//
// The bootstrap sequence is:
//  1. Load configuration from .env and environment variables.
//  2. Open the rule store: PostgreSQL via pgxpool (migrated on start) or the
//     in-memory store, optionally seeded from a YAML rule set.
//  3. Create the service, eagerly loading the fee rule cache.
//  4. Wire up the API key token validator.
//  5. Start the HTTP server (:8080), the gRPC server (:9090), and the admin
//     portal when one is configured.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
//
// "cartfee create-api-key [name]" prints a new API key and exits.
// "cartfee hash-password" reads an admin password from stdin and prints its
// Argon2id hash for ADMIN_PASSWORD_HASH.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	"github.com/matt-riley/cartfee/internal/admin"
	"github.com/matt-riley/cartfee/internal/config"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/logging"
	"github.com/matt-riley/cartfee/internal/metrics"
	"github.com/matt-riley/cartfee/internal/middleware"
	"github.com/matt-riley/cartfee/internal/repository"
	"github.com/matt-riley/cartfee/internal/ruleset"
	"github.com/matt-riley/cartfee/internal/server"
	"github.com/matt-riley/cartfee/internal/service"
	"github.com/matt-riley/cartfee/internal/tracing"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	apiKeySecretBytes     = 32
)

func main() {
	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "create-api-key":
		err = createAPIKey(os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] == "hash-password":
		err = hashPassword(os.Stdin, os.Stdout)
	default:
		err = run()
	}
	if err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// store is what the server needs from either repository implementation.
type store interface {
	service.Repository
	middleware.APIKeyStore
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.OTelServiceName,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var repo store
	switch cfg.StoreType {
	case config.StoreTypeMemory:
		repo = repository.NewMemoryRepository(repository.WithAPIKeyHashes(cfg.APIKeys))
		log.Warn("using in-memory fee rule store; rules are lost on restart")
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := runMigrations(ctx, pool, log); err != nil {
			return err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)
		repo = repository.NewPostgresRepository(pool, repository.WithNotifyChannel(cfg.NotifyChannel))
	}

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithApplicator(core.Applicator{
			Label:             cfg.FeeLabel,
			HonorActiveWindow: cfg.HonorActiveWindow,
			Strict:            cfg.StrictEvaluation,
		}),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.SetCacheSize),
		service.WithDecisionObserver(m.RecordDecision),
		service.WithUndecodableObserver(m.IncUndecodableRules),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithFreshReads(cfg.FreshReads),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	if cfg.SeedRulesFile != "" {
		if cfg.StoreType != config.StoreTypeMemory {
			log.Warn("SEED_RULES_FILE is only applied to the memory store", "path", cfg.SeedRulesFile)
		} else {
			n, err := seedRules(ctx, svc, cfg.SeedRulesFile)
			if err != nil {
				return fmt.Errorf("seed rules: %w", err)
			}
			log.Info("seeded fee rules", "count", n, "path", cfg.SeedRulesFile)
		}
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()
	validator := middleware.APIKeyValidator{Store: repo}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(svc, validator, m, log, cfg, limiter),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
			middleware.UnaryBearerAuthInterceptor(validator,
				middleware.WithOnAuthFailure(m.AuthFailureCounter("grpc")),
				middleware.WithRateLimiter(limiter),
			),
		),
	)
	server.RegisterFeeServiceServer(grpcServer, server.NewGRPCServer(svc))

	var (
		tsServer    *tsnet.Server
		adminServer *http.Server
	)
	if cfg.AdminEnabled() {
		var adminLis net.Listener
		tsServer, adminLis, err = adminListener(cfg, log)
		if err != nil {
			return err
		}
		sessions, err := admin.NewSessionManager(admin.Credentials{
			Username:     cfg.AdminUsername,
			PasswordHash: cfg.AdminPasswordHash,
		})
		if err != nil {
			return fmt.Errorf("admin login: %w", err)
		}
		adminHandler := admin.NewHandler(svc, admin.NewNonces(cfg.AdminSecret, cfg.NonceTTL), sessions, admin.WithLogger(log))
		adminServer = &http.Server{
			Handler:           middleware.HTTPRequestLogging(log.With("component", "admin"))(adminHandler),
			ReadHeaderTimeout: httpReadHeaderTimeout,
		}
		go func() {
			if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr, "store", cfg.StoreType)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server shutdown error", "error", err)
		}
	}
	if tsServer != nil {
		tsServer.Close()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	return serveErr
}

// newHTTPHandler layers tracing, request logging, and metrics around the API
// routes. Only /v1 routes require a bearer token.
func newHTTPHandler(svc server.Service, validator middleware.TokenValidator, m *metrics.Metrics, log *slog.Logger, cfg config.Config, limiter *middleware.RateLimiter) http.Handler {
	auth := middleware.HTTPBearerAuthMiddleware(validator,
		middleware.WithOnAuthFailure(m.AuthFailureCounter("http")),
		middleware.WithRateLimiter(limiter),
	)
	mux := server.NewHTTPHandler(svc,
		server.WithAuth(auth),
		server.WithMetricsHandler(m.Handler()),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithHTTPLogger(log),
	)
	return otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(m.HTTPMiddleware(mux)), "cartfee-http")
}

// adminListener opens the admin portal listener: a tailnet node when
// ADMIN_HOSTNAME is set, otherwise a plain TCP listener on ADMIN_ADDR.
func adminListener(cfg config.Config, log *slog.Logger) (*tsnet.Server, net.Listener, error) {
	if cfg.AdminHostname == "" {
		lis, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listen admin %s: %w", cfg.AdminAddr, err)
		}
		log.Info("admin portal listening", "addr", cfg.AdminAddr, "transport", "tcp")
		return nil, lis, nil
	}

	if cfg.TSAuthKey == "" {
		return nil, nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}
	if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	ts := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
	}
	lis, err := ts.Listen("tcp", ":80")
	if err != nil {
		ts.Close()
		return nil, nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")
	return ts, lis, nil
}

// ruleCreator is the slice of the service used for seeding.
type ruleCreator interface {
	CreateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error)
}

// seedRules validates the whole rule set before creating any rule.
func seedRules(ctx context.Context, svc ruleCreator, path string) (int, error) {
	rules, err := ruleset.Load(path)
	if err != nil {
		return 0, err
	}
	if errs := ruleset.Validate(rules); len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	for i, rule := range rules {
		if _, err := svc.CreateFeeRule(ctx, rule); err != nil {
			return i, ruleset.RuleError{Index: i, ID: rule.ID, Err: err}
		}
	}
	return len(rules), nil
}

// createAPIKey provisions a key. Postgres stores the hash and prints the
// token; the memory store has nowhere to persist it, so the API_KEYS entry
// is printed for the operator to add.
func createAPIKey(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	name := "default"
	if len(args) > 0 && args[0] != "" {
		name = args[0]
	}

	if cfg.StoreType == config.StoreTypeMemory {
		id, err := middleware.GenerateSecret(8)
		if err != nil {
			return err
		}
		secret, err := middleware.GenerateSecret(apiKeySecretBytes)
		if err != nil {
			return err
		}
		hash, err := middleware.HashAPIKey(secret)
		if err != nil {
			return err
		}
		fmt.Printf("token:    %s.%s\nAPI_KEYS: %s:%s\n", id, secret, id, hash)
		return nil
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := runMigrations(ctx, pool, logging.New(cfg.LogLevel, cfg.LogFormat)); err != nil {
		return err
	}

	id, secret, err := repository.NewPostgresRepository(pool).CreateAPIKey(ctx, name)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	fmt.Printf("%s.%s\n", id, secret)
	return nil
}

// hashPassword prints the Argon2id hash of the first line read from in.
func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password is empty")
	}
	hash, err := admin.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
