package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/config"
	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/domain/scope"
	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/auth"
	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/db"
	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/metrics"
	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/middleware"
	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

const version = "0.1.0"

// Routes whose bodies carry id lists and get the bulk body limit.
var bulkSuffixes = []string{"/_batch", "/_restore", "/_select-all", "/_status"}

func main() {
	rootCmd := &cobra.Command{
		Use:           "scope-server",
		Short:         "Perimeter scope hierarchy API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(treeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scope API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig loads and validates the configuration for commands that talk
// to the database.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, cfg.Logger(), nil
}

func openPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:       cfg.DatabaseURL,
		MaxConns:  cfg.DBMaxConns,
		MinConns:  cfg.DBMinConns,
		SlowQuery: cfg.DBSlowQuery,
	}, logger)
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.WarnIfInsecure(logger)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New(nil)
	svc := scope.NewService(scope.NewUnitRepo(pool), cfg.SearchPageSize)
	svc.SetLogger(logger.With().Str("component", "scope").Logger())
	svc.SetGatewayWrapper(func(gw scopetree.Gateway) scopetree.Gateway {
		return m.InstrumentGateway("postgres", gw)
	})

	e := newServer(cfg, logger, pool, svc, m)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the HTTP stack. A nil pool skips tenant connections and the
// database health check.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, svc *scope.Service, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BulkBodyLimit, bulkSuffixes...))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))
	e.Use(authMiddleware(cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
		apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	}
	scope.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	case config.AuthModeSharedSecret:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		})
	}
}
