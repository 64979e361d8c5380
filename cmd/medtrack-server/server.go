package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medtrack/medtrack/internal/config"
	"github.com/medtrack/medtrack/internal/domain/medication"
	"github.com/medtrack/medtrack/internal/platform/auth"
	"github.com/medtrack/medtrack/internal/platform/clock"
	"github.com/medtrack/medtrack/internal/platform/db"
	"github.com/medtrack/medtrack/internal/platform/jobs"
	"github.com/medtrack/medtrack/internal/platform/middleware"
	"github.com/medtrack/medtrack/internal/platform/notification"
	"github.com/medtrack/medtrack/internal/platform/telemetry"
)

const requestTimeout = 30 * time.Second

// app holds everything a command needs once config and the pool are up.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	pool      *pgxpool.Pool
	svc       *medication.Service
	telemetry *telemetry.TelemetryProvider
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion: version,
		Environment:    cfg.Env,
		RuntimeMetrics: true,
	})
	tp.ObservePool(func() telemetry.PoolStats {
		s := pool.Stat()
		return telemetry.PoolStats{
			Acquired: s.AcquiredConns(),
			Idle:     s.IdleConns(),
			Total:    s.TotalConns(),
			Max:      s.MaxConns(),
		}
	})

	svc, err := newService(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	svc.SetRecorder(tp.Medication())

	return &app{cfg: cfg, log: logger, pool: pool, svc: svc, telemetry: tp}, nil
}

func newService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*medication.Service, error) {
	grace := medication.DefaultGracePolicy()
	grace.WeekendMultiplier = cfg.WeekendGraceMultiplier
	grace.HolidayMultiplier = cfg.HolidayGraceMultiplier

	var holidays *medication.HolidayCalendar
	if cfg.HolidaysFile != "" {
		cal, err := medication.LoadHolidayCalendarFile(cfg.HolidaysFile)
		if err != nil {
			return nil, fmt.Errorf("load holidays: %w", err)
		}
		holidays = cal
		logger.Info().Str("file", cfg.HolidaysFile).Msg("holiday calendar loaded")
	}

	sender := notification.LogSender{Log: logger.With().Str("component", "notification_sender").Logger()}
	dispatcher := notification.NewDispatcher(logger, notification.DefaultBreakerConfig()).
		WithEmail(sender).
		WithSMS(sender).
		WithPush(sender)

	opts := medication.DefaultOptions()
	opts.UndoWindow = time.Duration(cfg.UndoWindowSeconds) * time.Second
	opts.DuplicateWindow = time.Duration(cfg.DuplicateWindowMinutes) * time.Minute
	opts.NotifyTimeout = time.Duration(cfg.NotifyTimeoutSeconds) * time.Second

	return medication.NewService(
		medication.NewRepoPG(pool),
		db.NewTxManager(pool),
		clock.System{},
		grace,
		holidays,
		dispatcher,
		logger,
		opts,
	), nil
}

func (a *app) Close() {
	a.svc.Wait()
	a.pool.Close()
}

func (a *app) sweep(ctx context.Context) error {
	res, err := a.svc.SweepDailyReset(ctx)
	a.log.Info().
		Int("patients", res.Patients).
		Int("archived", res.Archived).
		Int("scheduled", res.Scheduled).
		Int("failed", res.Failed).
		Msg("daily reset sweep")
	return err
}

// archiver returns a job runner with the daily reset sweep on ARCHIVE_CRON.
func (a *app) archiver() (*jobs.Runner, error) {
	runner := jobs.NewRunner(a.log, jobs.WithObserver(a.telemetry), jobs.WithTimeout(30*time.Minute))
	if err := runner.Add(dailyResetJob, a.cfg.ArchiveCron, a.sweep); err != nil {
		return nil, err
	}
	return runner, nil
}

// routerDeps are the pieces the HTTP router is assembled from.
type routerDeps struct {
	cfg       *config.Config
	log       zerolog.Logger
	svc       *medication.Service
	telemetry *telemetry.TelemetryProvider
	db        db.Pinger
	poolStats func() *db.PoolStats
}

func newRouter(d routerDeps) *echo.Echo {
	cfg := d.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(d.log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.log))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(d.telemetry.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
	}))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(d.db, d.poolStats))
	e.GET("/metrics", d.telemetry.PrometheusHandler())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), middleware.RequestTimeout(requestTimeout))
	medication.NewHandler(d.svc).RegisterRoutes(apiV1)

	return e
}

func runServer(withArchiver bool) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.log

	e := newRouter(routerDeps{
		cfg:       a.cfg,
		log:       logger,
		svc:       a.svc,
		telemetry: a.telemetry,
		db:        a.pool,
		poolStats: func() *db.PoolStats { return db.GetPoolStats(a.pool) },
	})

	var runner *jobs.Runner
	if withArchiver {
		runner, err = a.archiver()
		if err != nil {
			return err
		}
		runner.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan struct{})
	go func() {
		waitForSignal()
		close(quit)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if runner != nil {
		if err := runner.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("job runner did not stop in time")
		}
	}
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
