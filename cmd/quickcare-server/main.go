package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/quickcare/internal/config"
	"github.com/ehr/quickcare/internal/domain/assessment"
	"github.com/ehr/quickcare/internal/domain/directory"
	"github.com/ehr/quickcare/internal/domain/procedure"
	"github.com/ehr/quickcare/internal/domain/signature"
	"github.com/ehr/quickcare/internal/platform/auth"
	"github.com/ehr/quickcare/internal/platform/db"
	"github.com/ehr/quickcare/internal/platform/events"
	"github.com/ehr/quickcare/internal/platform/metrics"
	"github.com/ehr/quickcare/internal/platform/middleware"
	"github.com/ehr/quickcare/internal/platform/password"
	"github.com/ehr/quickcare/internal/platform/validation"
	"github.com/ehr/quickcare/internal/platform/websocket"
	"github.com/ehr/quickcare/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quickcare-server",
		Short: "Nursing quick-procedure API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationsFS returns dir when set, the embedded migrations otherwise.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationsFS(dir)), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	var key []byte
	if cfg.AuthSigningKey != "" {
		key = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	})
}

// signRateLimit is the per-caller budget for enrollment and signing, which
// each run a bcrypt comparison.
func signRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		RequestsPerSecond: float64(cfg.SignRatePerMinute) / 60,
		BurstSize:         cfg.SignRatePerMinute,
		IdleTTL:           10 * time.Minute,
	}
}

// app is everything the router mounts.
type app struct {
	procedures  *procedure.Handler
	signatures  *signature.Handler
	assessments *assessment.Handler
	live        *websocket.Handler
	metrics     *metrics.Metrics
	health      echo.HandlerFunc
}

func newRouter(cfg *config.Config, logger zerolog.Logger, a app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevProfessionalHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health/db", a.health)
	if a.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	}

	apiV1 := e.Group("/api/v1",
		authMiddleware(cfg),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		}),
		middleware.Audit(logger),
	)
	a.procedures.RegisterRoutes(apiV1)
	a.signatures.RegisterRoutes(apiV1, middleware.RateLimit(signRateLimit(cfg)))
	a.assessments.RegisterRoutes(apiV1)
	if a.live != nil {
		a.live.RegisterRoutes(apiV1)
	}
	return e
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func()) {
	if cfg.AMQPURL == "" {
		return events.NewLogPublisher(logger), func() {}
	}
	pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		logger.Warn().Err(err).Msg("amqp unavailable, logging events instead")
		return events.NewLogPublisher(logger), func() {}
	}
	return pub, func() { _ = pub.Close() }
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	hasher, err := password.NewHasher(cfg.BcryptCost)
	if err != nil {
		return err
	}
	dir := directory.NewSQLDirectory(sqlDB, hasher)

	m := metrics.New()
	broker, closePublisher := newPublisher(cfg, logger)
	defer closePublisher()
	hub := websocket.NewHub(logger)
	publisher := events.Fanout{broker, hub}
	tx := db.NewTxRunner(pool)

	// Procedures
	procs := procedure.NewProcedureRepoPG(pool)
	acts := procedure.NewActivityRepoPG(pool)
	procSvc := procedure.NewService(procs, acts, tx, dir.Patients(), dir.Professionals(), logger)
	procSvc.SetMetrics(m)
	procSvc.SetPublisher(publisher)
	sched := procedure.NewScheduler(procSvc)

	// Signatures
	sigSvc := signature.NewService(
		signature.NewCredentialRepoPG(pool),
		signature.NewRecordRepoPG(pool),
		procedure.NewSigningPort(acts),
		dir.Professionals(),
		hasher,
		tx,
		logger,
	)
	sigSvc.SetMetrics(m)
	sigSvc.SetPublisher(publisher)

	// Assessment scales
	assessSvc := assessment.NewService(assessment.NewRepoPG(pool), dir.Patients(), dir.Professionals(), logger)
	assessSvc.SetMetrics(m)
	assessSvc.SetPublisher(publisher)

	e := newRouter(cfg, logger, app{
		procedures:  procedure.NewHandler(procSvc, sched),
		signatures:  signature.NewHandler(sigSvc),
		assessments: assessment.NewHandler(assessSvc),
		live:        websocket.NewHandler(hub, logger, cfg.CORSOrigins),
		metrics:     m,
		health: db.HealthHandler(pool, func() *db.PoolStats {
			return db.GetPoolStats(pool)
		}),
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
