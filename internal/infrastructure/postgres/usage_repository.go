package postgres

import (
	"context"
	"fmt"
	"time"
)

type UsageRepository struct {
	db *DB
}

func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// SetMonthlyCount stores a recomputed monthly transaction count. The value
// always overwrites; counters are never incremented in place.
func (r *UsageRepository) SetMonthlyCount(ctx context.Context, accountExternalID string, month time.Time, count int64) error {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)

	query := `
		INSERT INTO account_usage (account_external_id, month, transaction_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_external_id, month) DO UPDATE SET
			transaction_count = EXCLUDED.transaction_count,
			updated_at = NOW()
	`

	if _, err := r.db.ExecContext(ctx, query, accountExternalID, start, count); err != nil {
		return fmt.Errorf("failed to set monthly usage: %w", err)
	}
	return nil
}
