package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"contia/internal/domain/connection"
	"contia/internal/domain/connector"
	"contia/internal/domain/syncwindow"
	"contia/internal/domain/webhook"
)

func kindOf(eventType string) string {
	return strings.ReplaceAll(eventType, "/", ".")
}

// RegisterWebhookHandlers binds one handler per provider event type. Every
// handler re-derives state from the provider instead of trusting the webhook
// payload, so processing the same event twice converges to the same state.
func RegisterWebhookHandlers(d *Dispatcher, lifecycle *connection.Service, catalog *connector.CatalogService, logger *zap.Logger) {
	refresh := func(ctx context.Context, job Job) error {
		if job.ConnectionID == "" {
			logger.Warn("event without connection id, dropping", zap.String("job", job.ID))
			return nil
		}
		_, err := lifecycle.RefreshStatus(ctx, job.ConnectionID, syncwindow.TriggerAuto)
		if errors.Is(err, connection.ErrNotFound) {
			// Webhook for a connection this instance never created or
			// already disconnected.
			logger.Info("event for unknown connection, dropping",
				zap.String("connection", job.ConnectionID))
			return nil
		}
		return err
	}

	for _, eventType := range []string{
		webhook.EventConnectionCreated,
		webhook.EventConnectionUpdated,
		webhook.EventConnectionError,
		webhook.EventMFARequired,
		webhook.EventLoginSucceeded,
		webhook.EventTransactionsCreated,
		webhook.EventTransactionsUpdated,
		webhook.EventTransactionsDeleted,
	} {
		d.Register(kindOf(eventType), refresh)
	}

	d.Register(kindOf(webhook.EventConnectionDeleted), func(ctx context.Context, job Job) error {
		if job.ConnectionID == "" {
			return nil
		}
		// The provider already removed the connection; only local cleanup
		// remains. Disconnect tolerates the provider-side 404.
		err := lifecycle.Disconnect(ctx, job.ConnectionID)
		if errors.Is(err, connection.ErrNotFound) {
			return nil
		}
		return err
	})

	d.Register(KindManualSync, func(ctx context.Context, job Job) error {
		if job.ConnectionID == "" {
			return nil
		}
		_, err := lifecycle.TriggerUpdate(ctx, job.ConnectionID, syncwindow.TriggerManual)
		if errors.Is(err, connection.ErrNotFound) {
			return nil
		}
		return err
	})

	d.Register(kindOf(webhook.EventConnectorStatusChanged), func(ctx context.Context, job Job) error {
		if _, err := catalog.Refresh(ctx); err != nil {
			return fmt.Errorf("connector refresh failed: %w", err)
		}
		return nil
	})
}
