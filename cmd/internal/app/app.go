// Package app wires the Astral server runtime: config, logging, storage,
// audit delivery, the session core and its HTTP surface.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"astral/cmd/internal/audit"
	authapi "astral/cmd/internal/auth/api"
	"astral/cmd/internal/auth/guard"
	"astral/cmd/internal/auth/session"
	"astral/cmd/internal/realtime"
)

// App is the Astral server runtime. It owns every long-lived resource and
// releases them on shutdown.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client
	kafka  *audit.KafkaSink

	registry *prometheus.Registry
	audit    *audit.Async
	sessions *session.Manager
	monitor  *session.Monitor
	auth     *authapi.Handler
}

// Option configures an App.
type Option func(*options)

type options struct {
	authn authapi.Authenticator
}

// WithAuthenticator plugs in the identity provider used by /auth/login.
func WithAuthenticator(a authapi.Authenticator) Option {
	return func(o *options) { o.authn = a }
}

// New constructs a fully wired App. On error every resource opened so far
// is closed.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if err := ValidateSecurityConfig(); err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	sink, err := a.auditSink()
	if err != nil {
		return nil, err
	}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "astral",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit events dropped because the delivery queue was full or closed.",
	})
	a.registry.MustRegister(dropped)
	a.audit = audit.NewAsync(sink, log, cfg.AuditBuffer, audit.WithDropHook(dropped.Inc))

	metrics, err := session.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	a.sessions, err = session.NewManager(sessCfg, store,
		session.WithAudit(a.audit),
		session.WithLogger(log),
		session.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	window, err := a.activityWindow(ctx, store)
	if err != nil {
		return nil, err
	}
	a.monitor = session.NewMonitor(a.sessions, session.WithActivityWindow(window))

	authCfg := authapi.LoadConfigFromEnv()
	g := guard.New(a.sessions, a.monitor, guard.Config{
		TrustProxy: authCfg.TrustProxy,
		Cookies:    authCfg.Cookies,
	}, guard.WithLogger(log))

	wsCfg, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	stream, err := realtime.NewStream(a.sessions, wsCfg, realtime.WithLogger(log))
	if err != nil {
		return nil, err
	}

	a.auth, err = authapi.NewHandler(log, authCfg, a.sessions, g,
		authapi.WithAuthenticator(o.authn),
		authapi.WithSessionStream(stream),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Run starts the sweeps and the HTTP server and blocks until ctx is done or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           newRouter(a.log, a.cfg, a.dbPool, a.registry, a.auth),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", runtimeBaseURL(a.cfg.HTTPAddr),
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
		"kafka_enabled", a.kafka != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	a.closeResources(shutdownCtx)

	a.log.Info("server.stopped")
	return runErr
}

// closeResources stops the sweeps, drains audit delivery, then closes
// connections. Order matters: sweeps and the audit queue still use the
// store and brokers while they finish.
func (a *App) closeResources(ctx context.Context) {
	if a.monitor != nil {
		if err := a.monitor.Shutdown(ctx); err != nil {
			a.log.Error("monitor.shutdown.fail", "err", err)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(ctx); err != nil && !errors.Is(err, audit.ErrClosed) {
			a.log.Error("audit.close.fail", "err", err)
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Error("audit.kafka.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// openStore picks Postgres when a database is configured and the in-memory
// store otherwise.
func (a *App) openStore(ctx context.Context) (session.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("db.disabled.inmemory_store")
		return session.NewMemoryStore(), nil
	}
	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.dbPool = pool
	a.log.Info("db.enabled.postgres_store")
	return session.NewPostgresStore(pool), nil
}

// auditSink fans events out to the log and, when configured, the audit
// table and a Kafka topic.
func (a *App) auditSink() (audit.Sink, error) {
	sinks := audit.Multi{audit.NewLogSink(a.log)}
	if a.dbPool != nil {
		pg, err := audit.NewPostgresSink(a.dbPool)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if len(a.cfg.AuditKafkaBrokers) > 0 {
		k, err := audit.NewKafkaSink(a.cfg.AuditKafkaBrokers, a.cfg.AuditKafkaTopic)
		if err != nil {
			return nil, err
		}
		a.kafka = k
		sinks = append(sinks, k)
	}
	return sinks, nil
}

// activityWindow uses Redis when configured so every replica sees the same
// request rate; otherwise it counts rows in store.
func (a *App) activityWindow(ctx context.Context, store session.Store) (session.ActivityWindow, error) {
	if a.cfg.RedisURL == "" {
		return session.NewStoreWindow(store), nil
	}
	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	a.redis = rdb
	a.log.Info("redis.enabled.activity_window")
	return session.NewRedisWindow(rdb, ""), nil
}

// runtimeBaseURL turns a listen address into a URL a local client can use.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
