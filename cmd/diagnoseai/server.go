package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/diagnoseai/diagnoseai/internal/config"
	"github.com/diagnoseai/diagnoseai/internal/domain/cases"
	"github.com/diagnoseai/diagnoseai/internal/domain/identity"
	"github.com/diagnoseai/diagnoseai/internal/domain/patient"
	"github.com/diagnoseai/diagnoseai/internal/platform/auth"
	"github.com/diagnoseai/diagnoseai/internal/platform/blobstore"
	"github.com/diagnoseai/diagnoseai/internal/platform/db"
	"github.com/diagnoseai/diagnoseai/internal/platform/middleware"
)

// defaultBodyLimit applies to every request that is not an image upload.
const defaultBodyLimit = 1 << 20

// uploadPaths accept multipart bodies up to the configured image size.
var uploadPaths = []string{"/upload", "/cases/new"}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	flush := initSentry(cfg, logger)
	defer flush()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, err := blobstore.NewFileStore(cfg.UploadDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare upload directory")
	}
	gen, err := newGenerator(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure report generator")
	}

	svcs := newServices(cfg, pool, store, gen, logger)
	sessions := auth.NewSessionManager(cfg.SessionSecret, cfg.SessionTTL, auth.NewRevocationList())

	e := newRouter(cfg, logger, sessions, svcs, db.HealthHandler(pool, logger))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting DiagnoseAI server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newRouter builds the echo instance. dbHealth is injected so tests can run
// without a database.
func newRouter(cfg *config.Config, logger zerolog.Logger, sessions *auth.SessionManager, svcs *services, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(defaultBodyLimit, cfg.MaxUploadBytes, uploadPaths...))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", dbHealth)

	public := e.Group("")
	private := e.Group("", auth.RequireSession(sessions))

	identity.NewHandler(svcs.identity, sessions, cfg.IsProduction()).RegisterRoutes(public, private)
	patient.NewHandler(svcs.patients, svcs.cases).RegisterRoutes(private)
	cases.NewHandler(svcs.cases, svcs.patients).RegisterRoutes(private)

	return e
}
