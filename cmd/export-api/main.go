// export-api consumes the export queue and delivers anonymised studies to
// each project's sink. It also exposes the export-patient-data endpoint
// that pushes a staged parquet extract to the sink on demand.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/orchestrator"
	"github.com/SAFEHR-data/PIXL-sub000/internal/orthanc"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/config"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/telemetry"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
	"github.com/SAFEHR-data/PIXL-sub000/internal/queue"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ratelimit"
	"github.com/SAFEHR-data/PIXL-sub000/internal/uploader"
)

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- OpenTelemetry Tracer ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "export-api", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// --- Vault Secret Loading ---
	vaultManager, err := config.NewSecretManager(envOr("VAULT_ADDR", "http://localhost:8200"), envOr("VAULT_TOKEN", "root"))
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(envOr("VAULT_SECRET_PATH", "secret/data/pixl/export-api"))
	if err != nil {
		logger.Fatal("Failed to load secrets from Vault", zap.Error(err))
	}

	pgURL := secrets["PG_URL"].(string)
	natsURL := secrets["NATS_URL"].(string)
	projectSecretPath := envOr("VAULT_PROJECT_SECRET_PATH", "secret/data/pixl/projects")
	projectConfigDir := envOr("PROJECT_CONFIG_DIR", "/config/projects")
	exportRoot := envOr("EXPORT_ROOT", "/exports")

	// --- Database Connection Pool (instrumented with OTel) ---
	poolCfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		logger.Fatal("failed to parse PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("Database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	// --- NATS JetStream ---
	natsClient, err := natsclient.NewClient(natsURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// --- Pipeline Components ---
	led := ledger.New(pool, hasher.NewStudyUID, logger)
	anonNode := orthanc.New(orthanc.Config{
		URL:      secrets["ANON_ORTHANC_URL"].(string),
		Username: secrets["ANON_ORTHANC_USERNAME"].(string),
		Password: secrets["ANON_ORTHANC_PASSWORD"].(string),
	}, logger)

	loadProject := func(slug string) (*project.Config, *config.ProjectSecrets, error) {
		cfg, err := project.Load(projectConfigDir, slug)
		if err != nil {
			return nil, nil, err
		}
		creds, err := vaultManager.NewProjectSecrets(projectSecretPath, cfg.Slug, cfg.AzureKVAlias)
		if err != nil {
			return nil, nil, err
		}
		return cfg, creds, nil
	}

	factory := func(_ context.Context, slug string) (uploader.Uploader, error) {
		cfg, creds, err := loadProject(slug)
		if err != nil {
			return nil, err
		}
		return uploader.ForProject(cfg, creds, logger)
	}

	dispatcher := uploader.NewDispatcher(anonNode, led, factory, logger)

	// Export deliveries are gated by the same bucket machinery as the
	// fetchers, defaulting to an open gate.
	bucket, err := ratelimit.NewTokenBucket(5, ratelimit.DefaultCapacity)
	if err != nil {
		logger.Fatal("token bucket configuration invalid", zap.Error(err))
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	exportConsumer := queue.NewRawConsumer(natsClient, queue.ConsumerConfig{
		Queue:     natsclient.QueueExport,
		BucketKey: ratelimit.KeyPrimary,
	}, bucket, dispatcher.HandleExport, logger)
	if err := exportConsumer.Start(consumerCtx); err != nil {
		logger.Fatal("Failed to start export consumer", zap.Error(err))
	}

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("export-api"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/heart-beat", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	// Pushes a staged parquet extract to the project's parquet sink. The
	// orchestrator stages the tree under EXPORT_ROOT before calling this.
	e.POST("/export-patient-data", func(c echo.Context) error {
		var body struct {
			ProjectName     string `json:"project_name"`
			ExtractDatetime string `json:"extract_datetime"`
		}
		if err := c.Bind(&body); err != nil || body.ProjectName == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "project_name is required")
		}
		extractedAt, err := time.Parse(time.RFC3339, body.ExtractDatetime)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "extract_datetime must be RFC 3339")
		}

		staging := orchestrator.NewStaging(exportRoot, body.ProjectName, extractedAt)
		cfg, creds, err := loadProject(staging.ProjectSlug)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		up, err := uploader.ForDestination(cfg.Destination.Parquet, creds, logger)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}

		err = up.UploadParquet(c.Request().Context(), staging.ProjectSlug, staging.ExtractTimeSlug, staging.Dir())
		if errors.Is(err, uploader.ErrNoDestination) {
			return c.JSON(http.StatusOK, map[string]string{"status": "delivery disabled"})
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "uploaded"})
	})

	addr := envOr("HTTP_ADDR", ":8080")
	go func() {
		logger.Info("export-api HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	logger.Info("export-api started (consumer active)")

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Initiating graceful shutdown")
	consumerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}

	logger.Info("export-api shut down cleanly")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
