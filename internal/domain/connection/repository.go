package connection

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a connection does not exist or was deleted.
var ErrNotFound = errors.New("connection not found")

// Repository persists connections. Implementations must exclude soft-deleted
// rows from every read.
type Repository interface {
	GetByExternalID(ctx context.Context, externalID string) (*WithConnector, error)
	Create(ctx context.Context, params CreateParams) (*Connection, error)
	UpdateStatus(ctx context.Context, externalID string, update StatusUpdate) error
	SetLastSyncedAt(ctx context.Context, externalID string, t time.Time) error
	SetConsent(ctx context.Context, externalID string, consent ConsentRecord) error

	// ListExpiringConsent returns open-finance connections whose consent
	// expires before the deadline, excluding already-expired states.
	ListExpiringConsent(ctx context.Context, deadline time.Time) ([]*WithConnector, error)

	// ListStale returns healthy connections not synced since the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*WithConnector, error)

	// DeleteCascade removes the connection and all dependent rows
	// (transactions, then accounts, then the connection) in one transaction.
	DeleteCascade(ctx context.Context, externalID string) error
}
