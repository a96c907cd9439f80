// anon-api reacts to stable-study webhooks from the anonymisation node:
// each study is de-identified with the owning project's tag scheme, stored
// back on the node and announced on the export queue.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/anonymiser"
	"github.com/SAFEHR-data/PIXL-sub000/internal/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/orthanc"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/config"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/telemetry"
	"github.com/SAFEHR-data/PIXL-sub000/internal/queue"
)

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- OpenTelemetry Tracer ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "anon-api", otelEndpoint)
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
	secrets, err := vaultManager.GetKV2(envOr("VAULT_SECRET_PATH", "secret/data/pixl/anon-api"))
	if err != nil {
		logger.Fatal("Failed to load secrets from Vault", zap.Error(err))
	}

	pgURL := secrets["PG_URL"].(string)
	natsURL := secrets["NATS_URL"].(string)

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
	hash := hasher.New(secrets["HASHER_API_URL"].(string))
	node := orthanc.New(orthanc.Config{
		URL:      secrets["ANON_ORTHANC_URL"].(string),
		Username: secrets["ANON_ORTHANC_USERNAME"].(string),
		Password: secrets["ANON_ORTHANC_PASSWORD"].(string),
	}, logger)
	producer := queue.NewProducer(natsClient, logger)

	anon := anonymiser.New(node, anonymiser.Config{
		ProjectConfigDir: envOr("PROJECT_CONFIG_DIR", "/config/projects"),
		DefaultProject:   os.Getenv("DEFAULT_PROJECT"),
	}, hash, led, producer.PublishExport, logger)

	workers, _ := strconv.Atoi(os.Getenv("ANON_WORKERS"))
	workerPool := anonymiser.NewPool(anon, workers, 0, logger)

	poolCtx, poolCancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		workerPool.Start(poolCtx)
		close(poolDone)
	}()

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("anon-api"))
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
	// The anonymisation node calls this once a study's instances stop
	// arriving. Processing is asynchronous; a full backlog answers 503 and
	// the node retries on its next stability check.
	e.POST("/stable-study", func(c echo.Context) error {
		var body struct {
			StudyID string `json:"study_id"`
		}
		if err := c.Bind(&body); err != nil || body.StudyID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "study_id is required")
		}
		if !workerPool.Submit(body.StudyID) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "worker backlog full")
		}
		return c.NoContent(http.StatusAccepted)
	})

	addr := envOr("HTTP_ADDR", ":8080")
	go func() {
		logger.Info("anon-api HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	logger.Info("anon-api started (worker pool active)")

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}

	// Let in-flight studies finish before tearing down connections.
	poolCancel()
	select {
	case <-poolDone:
	case <-time.After(30 * time.Second):
		logger.Warn("worker pool did not stop in time")
	}

	logger.Info("anon-api shut down cleanly")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
