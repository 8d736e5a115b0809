// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	payhook "github.com/cmarchant/payhook"
	"github.com/cmarchant/payhook/internal/auth"
	"github.com/cmarchant/payhook/internal/config"
	"github.com/cmarchant/payhook/internal/email"
	"github.com/cmarchant/payhook/internal/fulfillment"
	"github.com/cmarchant/payhook/internal/orders"
	orderspostgres "github.com/cmarchant/payhook/internal/orders/postgres"
	"github.com/cmarchant/payhook/internal/pkg/ctxlog"
	"github.com/cmarchant/payhook/internal/pkg/httputil"
	"github.com/cmarchant/payhook/internal/pkg/metrics"
	"github.com/cmarchant/payhook/internal/pkg/postgres"
	"github.com/cmarchant/payhook/internal/pkg/retry"
	"github.com/cmarchant/payhook/internal/queue"
	queuepostgres "github.com/cmarchant/payhook/internal/queue/postgres"
	"github.com/cmarchant/payhook/internal/ratelimit"
	ratelimitpostgres "github.com/cmarchant/payhook/internal/ratelimit/postgres"
	"github.com/cmarchant/payhook/internal/version"
	"github.com/cmarchant/payhook/internal/webhooks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	scheduler     *queue.Scheduler

	emailStore queue.Store
	retryStore queue.Store
}

// New creates a new application instance: connects to the database, applies
// migrations and wires the ingestion and drain pipelines.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := postgres.Migrate(cfg.Database.URL, payhook.Migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		bgCancel: bgCancel,
	}

	router, err := app.setupRouter(bgCtx)
	if err != nil {
		db.Close()
		bgCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	go app.collectDBMetrics(bgCtx)
	go app.collectQueueMetrics(bgCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.Timeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       60 * time.Second,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Metrics.Port,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Stop the drain scheduler before cancelling the background context
	// so in-flight cycles finish their store writes on a live context.
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	a.bgCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	stores := map[queue.Kind]queue.Store{
		queue.KindEmail:        a.emailStore,
		queue.KindWebhookRetry: a.retryStore,
	}

	for {
		select {
		case <-ticker.C:
			for kind, store := range stores {
				stats, err := store.Stats(ctx)
				if err != nil {
					a.logger.Error("failed to read queue stats", "kind", kind, "error", err)
					continue
				}
				queue.RecordQueueStats(kind, stats)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	cfg := a.config

	// Stores and the shared limiter.
	emailStore := queuepostgres.NewEmailRepository(a.db)
	retryStore := queuepostgres.NewWebhookRetryRepository(a.db)
	a.emailStore = emailStore
	a.retryStore = retryStore

	limiter := ratelimit.NewService(ratelimitpostgres.NewRepository(a.db))

	// Outbound email.
	sender, err := email.NewSender(email.Config{
		Enabled:      cfg.SMTP.Enabled,
		SMTPHost:     cfg.SMTP.Host,
		SMTPPort:     cfg.SMTP.Port,
		SMTPUser:     cfg.SMTP.User,
		SMTPPassword: cfg.SMTP.Password,
		FromAddress:  cfg.SMTP.From,
		MaxPerSecond: cfg.SMTP.Pace,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !cfg.SMTP.Enabled {
		slog.Warn("email sender is disabled: queued emails will be dropped on drain")
	}

	emailCfg := queue.DrainerConfig{
		Kind:       queue.KindEmail,
		BatchSize:  cfg.Queues.Email.Batch,
		NumWorkers: cfg.Queues.Email.Workers,
		Backoff:    queue.ExponentialBackoff(time.Minute, time.Hour, 2.0),
		// A short in-cycle retry absorbs transient SMTP hiccups without
		// burning an attempt from the item's budget.
		Retry: retry.Config{
			MaxAttempts: 2,
			Schedule:    []time.Duration{time.Second},
		},
	}
	emailDrainer := queue.NewEmailDrainer(emailCfg, emailStore, limiter, sender, queue.DefaultEmailLimits())

	// Orders and fulfillment.
	orderService := orders.NewService(orderspostgres.NewRepository(a.db))
	dispatcher := fulfillment.NewDispatcher(
		fulfillment.NewClient(cfg.Fulfillment.URL, cfg.Fulfillment.Timeout),
		retry.DefaultConfig(),
	)

	// Webhook ingestion.
	processor := webhooks.NewProcessor(orderService, dispatcher, retryStore, emailStore)
	verifier := webhooks.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance)
	webhookHandler := webhooks.NewHandler(verifier, processor)

	// No in-cycle Retry here: ReplayFulfillment goes through the
	// dispatcher, which already retries each dispatch internally. Nesting
	// another retry layer would multiply attempts and sleeps.
	retryCfg := queue.DrainerConfig{
		Kind:       queue.KindWebhookRetry,
		BatchSize:  cfg.Queues.WebhookRetry.Batch,
		NumWorkers: cfg.Queues.WebhookRetry.Workers,
		Backoff:    queue.ScheduleBackoff([]time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}),
	}
	retryDrainer := queue.NewWebhookRetryDrainer(retryCfg, retryStore, limiter, processor.ReplayFulfillment, queue.DefaultWebhookRetryLimits())

	a.scheduler = queue.NewScheduler(
		queue.ScheduledDrain{Name: "email", Interval: cfg.Queues.Email.Interval, Drainer: emailDrainer},
		queue.ScheduledDrain{Name: "webhook-retries", Interval: cfg.Queues.WebhookRetry.Interval, Drainer: retryDrainer},
	)
	a.scheduler.Start(ctx)

	queueHandler := queue.NewHandler(emailStore, retryStore, emailDrainer, retryDrainer)
	jwtAuth := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TTL)

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	// Provider deliveries authenticate by signature, not bearer token.
	webhookHandler.RegisterRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(jwtAuth))
			queueHandler.RegisterRoutes(r)
		})
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
