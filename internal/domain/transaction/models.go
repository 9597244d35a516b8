// Package transaction holds the immutable financial events produced by
// synchronization.
package transaction

import (
	"context"
	"time"
)

const (
	TypeCredit = "CREDIT"
	TypeDebit  = "DEBIT"

	StatusPending = "PENDING"
	StatusPosted  = "POSTED"
)

// Transaction is one financial event. (account, external id) is the dedup
// key: re-ingesting the same external id only refreshes the fields allowed
// to change (status, description, provider category).
type Transaction struct {
	ID                int64
	ExternalID        string
	AccountExternalID string
	Amount            float64
	Currency          string
	Type              string
	Status            string
	Description       string
	OccurredAt        time.Time
	// ProviderCategory is reference data from the aggregator.
	ProviderCategory *string
	// CategoryID is the user-assigned category, owned by the surrounding
	// app and preserved across re-syncs.
	CategoryID *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertParams carries one transaction for an idempotent upsert.
type UpsertParams struct {
	ExternalID        string
	AccountExternalID string
	Amount            float64
	Currency          string
	Type              string
	Status            string
	Description       string
	OccurredAt        time.Time
	ProviderCategory  *string
	// CategoryID is only applied on insert; an existing row keeps whatever
	// the user assigned.
	CategoryID *int64
}

// BatchResult reports one page-batch upsert.
type BatchResult struct {
	Created int
	Updated int
}

// Repository persists transactions.
type Repository interface {
	GetByExternalID(ctx context.Context, accountExternalID, externalID string) (*Transaction, error)

	// UpsertBatch writes one page of transactions atomically: either the
	// whole batch commits or none of it does.
	UpsertBatch(ctx context.Context, batch []UpsertParams) (*BatchResult, error)

	ListByAccount(ctx context.Context, accountExternalID string, limit, offset int) ([]*Transaction, error)

	// CountByAccountMonth recounts persisted rows for a calendar month.
	// Usage counters are always recomputed this way, never incremented, so
	// they stay correct after re-syncs, retries, and out-of-order ingestion.
	CountByAccountMonth(ctx context.Context, accountExternalID string, month time.Time) (int64, error)
}

// UsageRepository persists derived monthly usage counters.
type UsageRepository interface {
	SetMonthlyCount(ctx context.Context, accountExternalID string, month time.Time, count int64) error
}
