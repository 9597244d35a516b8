package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"contia/internal/domain/connection"
	"contia/internal/domain/connector"
	"contia/internal/domain/consent"
	"contia/internal/domain/ingest"
	"contia/internal/domain/syncwindow"
	"contia/internal/domain/webhook"
	"contia/internal/infrastructure/postgres"
	"contia/internal/infrastructure/provider"
	"contia/internal/infrastructure/queue"
	redisinfra "contia/internal/infrastructure/redis"
	httpiface "contia/internal/interfaces/http"
	"contia/internal/interfaces/jobs"
	"contia/internal/interfaces/scheduler"
	"contia/internal/shared/config"
	"contia/internal/shared/retry"
)

// dependencies holds every wired component of the sync engine.
type dependencies struct {
	DB        *postgres.DB
	Lifecycle *connection.Service
	Ingester  *ingest.Service
	Catalog   *connector.CatalogService
	Consent   *consent.Service
	Scheduler *scheduler.Scheduler

	WebhookHandler    *httpiface.WebhookHandler
	ConnectionHandler *httpiface.ConnectionHandler
	HealthHandler     *httpiface.HealthHandler

	pool     *jobs.Pool
	producer *queue.Producer
	consumer *queue.Consumer
	logger   *zap.Logger
}

func buildDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	if err := postgres.RunMigrations(cfg.Database.ConnectionString(), "migrations", logger); err != nil {
		db.Close()
		return nil, err
	}

	client := provider.NewClient(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		ClientID:          cfg.Provider.ClientID,
		ClientSecret:      cfg.Provider.ClientSecret,
		RequestTimeout:    cfg.Provider.RequestTimeout,
		TokenExpiryMargin: cfg.Provider.TokenExpiryMargin,
		Retry: &retry.Config{
			MaxAttempts:  cfg.Provider.MaxRetries,
			InitialDelay: cfg.Provider.RetryBaseDelay,
			MaxDelay:     cfg.Provider.RetryMaxDelay,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
	}, logger)

	connRepo := postgres.NewConnectionRepository(db)
	acctRepo := postgres.NewAccountRepository(db)
	txRepo := postgres.NewTransactionRepository(db)
	usageRepo := postgres.NewUsageRepository(db)
	ruleRepo := postgres.NewCategoryRuleRepository(db)
	connectorRepo := postgres.NewConnectorRepository(db)

	lifecycle := connection.NewService(client, connRepo, logger)
	planner := syncwindow.NewPlanner(cfg.Sync)
	ingester := ingest.NewService(client, connRepo, acctRepo, txRepo, usageRepo, ruleRepo, planner, cfg.Sync, logger)
	lifecycle.SetSyncer(ingester)

	catalog := connector.NewCatalogService(client, connectorRepo, logger)
	consentSvc := consent.NewService(connRepo, lifecycle, nil, cfg.Consent, logger)

	dispatcher := jobs.NewDispatcher(cfg.Queue, logger)
	jobs.RegisterWebhookHandlers(dispatcher, lifecycle, catalog, logger)

	deps := &dependencies{
		DB:        db,
		Lifecycle: lifecycle,
		Ingester:  ingester,
		Catalog:   catalog,
		Consent:   consentSvc,
		logger:    logger,
	}

	// The broker is optional; without it jobs run on the in-process pool.
	var enqueuer jobs.Enqueuer
	if cfg.Queue.AMQPURL != "" {
		producer, err := queue.NewProducer(cfg.Queue.AMQPURL, cfg.Queue.Exchange, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		consumer, err := queue.NewConsumer(cfg.Queue.AMQPURL, logger)
		if err != nil {
			producer.Close()
			db.Close()
			return nil, err
		}
		if err := jobs.StartBrokerConsumer(consumer, dispatcher, cfg.Queue.Exchange, cfg.Queue.QueueName, logger); err != nil {
			consumer.Close()
			producer.Close()
			db.Close()
			return nil, err
		}
		deps.producer = producer
		deps.consumer = consumer
		enqueuer = jobs.NewBrokerEnqueuer(producer)
		consentSvc.SetNotifier(&consentNotifier{producer: producer})
	} else {
		pool := jobs.NewPool(dispatcher, cfg.Queue.WorkerCount, cfg.Queue.BufferSize, logger)
		deps.pool = pool
		enqueuer = pool
	}

	var idempotency webhook.IdempotencyStore
	redisClient, err := redisinfra.NewClient(cfg.Redis)
	if err != nil {
		deps.Close()
		return nil, err
	}
	if redisClient != nil {
		idempotency = redisinfra.NewIdempotencyStore(redisClient)
	} else {
		idempotency = webhook.NewMemoryStore()
	}

	deps.WebhookHandler = httpiface.NewWebhookHandler(idempotency, enqueuer, cfg.Webhook, logger)
	deps.ConnectionHandler = httpiface.NewConnectionHandler(lifecycle, enqueuer, logger)
	deps.HealthHandler = httpiface.NewHealthHandler(db)
	deps.Scheduler = scheduler.New(connRepo, lifecycle, consentSvc, catalog, cfg.Sync, cfg.Scheduler, logger)

	return deps, nil
}

// consentNotifier hands consent-expiry notices to the surrounding platform's
// notification service via the broker.
type consentNotifier struct {
	producer *queue.Producer
}

func (n *consentNotifier) NotifyConsentExpired(ctx context.Context, conn *connection.WithConnector) error {
	return n.producer.Publish(ctx, "notifications.consent_expired", map[string]any{
		"connectionId": conn.ExternalID,
		"companyId":    conn.CompanyID,
		"expiresAt":    conn.Consent.ExpiresAt,
	})
}

func (d *dependencies) StartWorkers() {
	if d.pool != nil {
		d.pool.Start()
	}
}

func (d *dependencies) StopWorkers(timeout time.Duration) {
	if d.pool != nil {
		d.pool.Shutdown(timeout)
	}
}

func (d *dependencies) Close() {
	if d.consumer != nil {
		d.consumer.Close()
	}
	if d.producer != nil {
		d.producer.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
