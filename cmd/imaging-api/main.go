// imaging-api consumes the imaging queues: it fetches studies from the
// hospital archives through the raw node, stamps the project tag and routes
// them to the anonymisation node. The HTTP surface carries the heart-beat
// and the token-bucket refresh-rate control.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/fetcher"
	"github.com/SAFEHR-data/PIXL-sub000/internal/orthanc"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/config"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/telemetry"
	"github.com/SAFEHR-data/PIXL-sub000/internal/queue"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ratelimit"
)

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- OpenTelemetry Tracer ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "imaging-api", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "imaging-api", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// --- Vault Secret Loading ---
	vaultManager, err := config.NewSecretManager(envOr("VAULT_ADDR", "http://localhost:8200"), envOr("VAULT_TOKEN", "root"))
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(envOr("VAULT_SECRET_PATH", "secret/data/pixl/imaging-api"))
	if err != nil {
		logger.Fatal("Failed to load secrets from Vault", zap.Error(err))
	}

	natsURL := secrets["NATS_URL"].(string)

	// --- Raw Orthanc Node ---
	raw := orthanc.New(orthanc.Config{
		URL:      secrets["RAW_ORTHANC_URL"].(string),
		Username: secrets["RAW_ORTHANC_USERNAME"].(string),
		Password: secrets["RAW_ORTHANC_PASSWORD"].(string),
	}, logger)

	// --- NATS JetStream ---
	natsClient, err := natsclient.NewClient(natsURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// --- Token Bucket ---
	// The default rate is zero so nothing is fetched until the CLI raises
	// it through the refresh-rate endpoint.
	bucket, err := ratelimit.NewTokenBucket(envFloat("TOKEN_BUCKET_RATE", 0), ratelimit.DefaultCapacity)
	if err != nil {
		logger.Fatal("token bucket configuration invalid", zap.Error(err))
	}

	// --- Fetcher & Queue Consumers ---
	f := fetcher.New(raw, fetcher.Config{
		PrimaryModality:   envOr("PRIMARY_MODALITY", "PACS"),
		SecondaryModality: envOr("SECONDARY_MODALITY", "VNAQR"),
		RawAET:            envOr("RAW_AET", "PIXLRAW"),
		AnonModality:      envOr("ANON_MODALITY", "PIXLANON"),
		TransferTimeout:   envDuration("TRANSFER_TIMEOUT", 3*time.Minute),
	}, logger)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	primary := queue.NewConsumer(natsClient, queue.ConsumerConfig{
		Queue:         natsclient.QueueImagingPrimary,
		FallbackQueue: natsclient.QueueImagingSecondary,
		BucketKey:     ratelimit.KeyPrimary,
	}, bucket, f.FromPrimary, logger)
	if err := primary.Start(consumerCtx); err != nil {
		logger.Fatal("Failed to start primary imaging consumer", zap.Error(err))
	}

	secondary := queue.NewConsumer(natsClient, queue.ConsumerConfig{
		Queue:     natsclient.QueueImagingSecondary,
		BucketKey: ratelimit.KeySecondary,
	}, bucket, f.FromSecondary, logger)
	if err := secondary.Start(consumerCtx); err != nil {
		logger.Fatal("Failed to start secondary imaging consumer", zap.Error(err))
	}

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("imaging-api"))
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
	e.GET("/token-bucket-refresh-rate", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]float64{"rate": bucket.Rate()})
	})
	e.POST("/token-bucket-refresh-rate", func(c echo.Context) error {
		var body struct {
			Rate float64 `json:"rate"`
		}
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := bucket.SetRate(body.Rate); err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		logger.Info("token bucket rate updated", zap.Float64("rate", body.Rate))
		return c.NoContent(http.StatusOK)
	})

	addr := envOr("HTTP_ADDR", ":8080")
	go func() {
		logger.Info("imaging-api HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	logger.Info("imaging-api started (consumers active)")

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

	logger.Info("imaging-api shut down cleanly")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
