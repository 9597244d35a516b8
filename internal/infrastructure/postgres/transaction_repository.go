package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"contia/internal/domain/transaction"
)

type TransactionRepository struct {
	db *DB
}

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	id, external_id, account_external_id, amount, currency, type, status,
	description, occurred_at, provider_category, category_id, created_at, updated_at
`

func (r *TransactionRepository) GetByExternalID(ctx context.Context, accountExternalID, externalID string) (*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_external_id = $1 AND external_id = $2
	`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, accountExternalID, externalID))
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// UpsertBatch writes one page of transactions in a single database
// transaction. The conflict target is the dedup key (account, external id);
// on conflict only the fields the provider may legitimately change are
// refreshed, and the user-assigned category is never touched.
func (r *TransactionRepository) UpsertBatch(ctx context.Context, batch []transaction.UpsertParams) (*transaction.BatchResult, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer dbTx.Rollback()

	query := `
		INSERT INTO transactions (
			external_id, account_external_id, amount, currency, type, status,
			description, occurred_at, provider_category, category_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_external_id, external_id) DO UPDATE SET
			status = EXCLUDED.status,
			description = EXCLUDED.description,
			provider_category = EXCLUDED.provider_category,
			updated_at = NOW()
		RETURNING (xmax = 0)
	`

	stmt, err := dbTx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	result := &transaction.BatchResult{}
	for _, params := range batch {
		var inserted bool
		err := stmt.QueryRowContext(ctx,
			params.ExternalID, params.AccountExternalID, params.Amount,
			params.Currency, params.Type, params.Status, params.Description,
			params.OccurredAt, params.ProviderCategory, params.CategoryID,
		).Scan(&inserted)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert transaction %s: %w", params.ExternalID, err)
		}
		if inserted {
			result.Created++
		} else {
			result.Updated++
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return result, nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountExternalID string, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_external_id = $1
		ORDER BY occurred_at DESC, created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, accountExternalID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return transactions, nil
}

func (r *TransactionRepository) CountByAccountMonth(ctx context.Context, accountExternalID string, month time.Time) (int64, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE account_external_id = $1 AND occurred_at >= $2 AND occurred_at < $3
	`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, accountExternalID, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	var providerCategory sql.NullString
	var categoryID sql.NullInt64

	err := row.Scan(
		&tx.ID, &tx.ExternalID, &tx.AccountExternalID, &tx.Amount,
		&tx.Currency, &tx.Type, &tx.Status, &tx.Description, &tx.OccurredAt,
		&providerCategory, &categoryID, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if providerCategory.Valid {
		tx.ProviderCategory = &providerCategory.String
	}
	if categoryID.Valid {
		tx.CategoryID = &categoryID.Int64
	}
	return &tx, nil
}
