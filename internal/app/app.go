// Package app assembles the billing engine and its infrastructure from
// configuration. Both binaries (the HTTP API and the maintenance Lambda)
// build the same object graph through New.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/config"
	"carpoolhub/internal/db"
	"carpoolhub/internal/external"
	"carpoolhub/internal/metrics"
	"carpoolhub/internal/queue"
)

// App holds the wired engine services and the resources behind them.
type App struct {
	Pool    *pgxpool.Pool
	Store   *db.BillingStore
	Catalog billing.Catalog

	Outbox    *billing.OutboxRunner
	Tracker   *billing.PlanTracker
	Quotes    *billing.QuoteWorkflow
	Overrides *billing.OverrideScheduler
	Webhooks  *billing.WebhookProcessor
	Grace     *billing.GraceEnforcer

	JobLocks   *db.JobLockRepository
	JobHistory *db.JobHistoryRepository
}

// New connects to the database and AWS and wires every engine service.
// The caller owns the result and must call Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	if cfg.Database.ApplySchema {
		if err := db.ApplySchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
		logger.Info("database schema applied")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	store := db.NewBillingStore(pool)
	catalog := billing.NewStaticCatalogIn(cfg.Billing.Currency)
	engineMetrics := newMetrics(cfg, awsCfg, logger)
	notifier := newNotifier(cfg, awsCfg, logger)

	documents := external.NewDocumentClient(&http.Client{Timeout: cfg.Documents.Timeout}, external.DocumentClientConfig{
		BaseURL: cfg.Documents.BaseURL,
		APIKey:  cfg.Documents.APIKey,
		Logger:  logger,
	})
	checkout := external.NewStripeClient(&http.Client{Timeout: 30 * time.Second}, external.StripeClientConfig{
		SecretKey:  cfg.Billing.StripeSecretKey,
		SuccessURL: cfg.Billing.CheckoutSuccessURL,
		CancelURL:  cfg.Billing.CheckoutCancelURL,
		BaseURL:    cfg.Billing.StripeAPIBase,
		Logger:     logger,
	})

	recorder := billing.NewInvoiceRecorder(store, documents, logger)
	outbox := billing.NewOutboxRunner(store, recorder, notifier, checkout, engineMetrics, billing.OutboxConfig{
		MaxAttempts: cfg.Billing.OutboxMaxAttempts,
		BaseBackoff: cfg.Billing.OutboxBaseBackoff,
	}, logger)
	quotes := billing.NewQuoteWorkflow(store, catalog, outbox, engineMetrics, logger)

	return &App{
		Pool:       pool,
		Store:      store,
		Catalog:    catalog,
		Outbox:     outbox,
		Tracker:    billing.NewPlanTracker(store, catalog, checkout, quotes, engineMetrics, logger),
		Quotes:     quotes,
		Overrides:  billing.NewOverrideScheduler(store, catalog, outbox, engineMetrics, logger),
		Webhooks:   billing.NewWebhookProcessor(store, catalog, outbox, engineMetrics, logger),
		Grace:      billing.NewGraceEnforcer(store, catalog, outbox, engineMetrics, cfg.Billing.PaymentGracePeriod, logger),
		JobLocks:   db.NewJobLockRepository(pool),
		JobHistory: db.NewJobHistoryRepository(pool),
	}, nil
}

// Close releases the database pool.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// NewPool opens a pgx pool tuned by cfg and verifies connectivity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func newMetrics(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) billing.Metrics {
	if !cfg.Observability.EnableMetrics {
		return billing.NoopMetrics{}
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return metrics.NewCloudWatchMetrics(client, cfg.Observability.MetricNamespace, logger)
}

// newNotifier publishes to SQS when a queue is configured and logs
// notifications otherwise.
func newNotifier(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) billing.Notifier {
	if cfg.AWS.NotificationQueue == "" {
		logger.Warn("NOTIFICATION_QUEUE_URL not set; notifications are only logged")
		return queue.LogNotifier{Logger: logger}
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return queue.NewNotificationPublisher(client, cfg.AWS.NotificationQueue, logger)
}
