// orchestrator drives one extract batch: parse the ingest, stage the
// parquet export tree, admit and publish the work items, replay until the
// exported count is stable, then write the radiology linker and trigger
// the parquet delivery. It runs to completion and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/orchestrator"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/config"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/telemetry"
	"github.com/SAFEHR-data/PIXL-sub000/internal/queue"
)

func main() {
	ingestPath := flag.String("ingest", "", "CSV file or OMOP parquet directory to populate from")
	numRetries := flag.Int("num-retries", 5, "stability loop attempts before giving up")
	retrySeconds := flag.Int("retry-seconds", 300, "settle time between drain and export count check")
	rate := flag.Float64("rate", 1, "token bucket refresh rate pushed to the imaging API, items per second")
	flag.Parse()

	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *ingestPath == "" {
		logger.Fatal("-ingest is required")
	}

	// --- OpenTelemetry Tracer ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "orchestrator", otelEndpoint)
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
	secrets, err := vaultManager.GetKV2(envOr("VAULT_SECRET_PATH", "secret/data/pixl/orchestrator"))
	if err != nil {
		logger.Fatal("Failed to load secrets from Vault", zap.Error(err))
	}

	pgURL := secrets["PG_URL"].(string)
	natsURL := secrets["NATS_URL"].(string)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Parse Ingest & Stage Export Tree ---
	msgs, staging, err := parseIngest(*ingestPath, exportRoot)
	if err != nil {
		logger.Fatal("ingest parsing failed", zap.Error(err))
	}
	logger.Info("ingest parsed",
		zap.String("path", *ingestPath),
		zap.Int("work_items", len(msgs)),
		zap.String("project", staging.ProjectSlug))

	// --- Open the Imaging Gate ---
	// The imaging API boots with a closed bucket; pushing the rate is what
	// starts consumption.
	if imagingURL := os.Getenv("IMAGING_API_URL"); imagingURL != "" {
		if err := pushRefreshRate(ctx, imagingURL, *rate); err != nil {
			logger.Fatal("could not set imaging token bucket rate", zap.Error(err))
		}
		logger.Info("imaging token bucket rate set", zap.Float64("rate", *rate))
	}

	// --- Run the Batch ---
	led := ledger.New(pool, hasher.NewStudyUID, logger)
	orch := orchestrator.New(orchestrator.Config{
		NumRetries:    *numRetries,
		RetryInterval: time.Duration(*retrySeconds) * time.Second,
	}, led, queue.NewProducer(natsClient, logger), natsClient, logger)

	if err := orch.Run(ctx, msgs); err != nil {
		logger.Fatal("batch failed", zap.Error(err))
	}

	// --- Radiology Linker & Parquet Delivery ---
	images, err := led.ProcessedImages(ctx, staging.ProjectSlug)
	if err != nil {
		logger.Fatal("could not list processed images", zap.Error(err))
	}
	rows := orchestrator.RadiologyLinker(msgs, images)
	if err := staging.WriteRadiologyLinker(rows); err != nil {
		logger.Fatal("could not write radiology linker", zap.Error(err))
	}
	logger.Info("radiology linker written", zap.Int("rows", len(rows)))

	if exportURL := os.Getenv("EXPORT_API_URL"); exportURL != "" {
		if err := triggerParquetExport(ctx, exportURL, msgs[0]); err != nil {
			logger.Fatal("parquet export failed", zap.Error(err))
		}
		logger.Info("parquet export delivered", zap.String("project", staging.ProjectSlug))
	}

	logger.Info("batch finished", zap.String("project", staging.ProjectSlug))
}

// parseIngest reads work items from a CSV file or an OMOP parquet
// directory and prepares the extract's export staging tree.
func parseIngest(path, exportRoot string) ([]message.Message, *orchestrator.Staging, error) {
	if strings.HasSuffix(path, ".csv") {
		msgs, err := orchestrator.MessagesFromCSV(path)
		if err != nil {
			return nil, nil, err
		}
		staging := orchestrator.NewStaging(exportRoot, msgs[0].ProjectName, msgs[0].ExtractGeneratedTimestamp)
		return msgs, staging, nil
	}

	summary, err := orchestrator.ReadExtractSummary(path)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := orchestrator.MessagesFromParquet(path)
	if err != nil {
		return nil, nil, err
	}
	staging := orchestrator.NewStaging(exportRoot, summary.ProjectName, summary.Datetime)
	if err := staging.CopyPublic(path); err != nil {
		return nil, nil, err
	}
	return msgs, staging, nil
}

func pushRefreshRate(ctx context.Context, imagingURL string, rate float64) error {
	body := strings.NewReader(fmt.Sprintf(`{"rate":%g}`, rate))
	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, strings.TrimRight(imagingURL, "/")+"/token-bucket-refresh-rate", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doExpectOK(req)
}

func triggerParquetExport(ctx context.Context, exportURL string, m message.Message) error {
	payload := fmt.Sprintf(`{"project_name":%q,"extract_datetime":%q}`,
		m.ProjectName, m.ExtractGeneratedTimestamp.Format(time.RFC3339))
	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, strings.TrimRight(exportURL, "/")+"/export-patient-data",
		strings.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doExpectOK(req)
}

func doExpectOK(req *retryablehttp.Request) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %s", req.URL, resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
