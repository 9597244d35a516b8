package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"contia/internal/domain/account"
)

type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, external_id, connection_external_id, name, type, subtype, currency,
	balance, credit_limit, available_credit_limit, sync_error, created_at, updated_at
`

func (r *AccountRepository) GetByExternalID(ctx context.Context, externalID string) (*account.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE external_id = $1
	`

	acct, err := scanAccount(r.db.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (r *AccountRepository) ListByConnection(ctx context.Context, connectionExternalID string) ([]*account.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE connection_external_id = $1
		ORDER BY name ASC
	`

	rows, err := r.db.QueryContext(ctx, query, connectionExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

func (r *AccountRepository) Upsert(ctx context.Context, params account.UpsertParams) (*account.Account, error) {
	query := `
		INSERT INTO accounts (
			external_id, connection_external_id, name, type, subtype, currency,
			balance, credit_limit, available_credit_limit
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			subtype = EXCLUDED.subtype,
			currency = EXCLUDED.currency,
			balance = EXCLUDED.balance,
			credit_limit = EXCLUDED.credit_limit,
			available_credit_limit = EXCLUDED.available_credit_limit,
			updated_at = NOW()
		RETURNING ` + accountColumns + `
	`

	acct, err := scanAccount(r.db.QueryRowContext(ctx, query,
		params.ExternalID, params.ConnectionExternalID, params.Name,
		string(params.Type), params.Subtype, params.Currency, params.Balance,
		params.CreditLimit, params.AvailableCreditLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}
	return acct, nil
}

func (r *AccountRepository) UpdateBalance(ctx context.Context, externalID string, balance float64) error {
	query := `
		UPDATE accounts SET balance = $2, updated_at = NOW()
		WHERE external_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, externalID, balance); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (r *AccountRepository) SetSyncError(ctx context.Context, externalID string, message *string) error {
	query := `
		UPDATE accounts SET sync_error = $2, updated_at = NOW()
		WHERE external_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, externalID, message); err != nil {
		return fmt.Errorf("failed to set sync error: %w", err)
	}
	return nil
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var acct account.Account
	var acctType string
	var subtype, syncError sql.NullString
	var creditLimit, availableCreditLimit sql.NullFloat64

	err := row.Scan(
		&acct.ID, &acct.ExternalID, &acct.ConnectionExternalID, &acct.Name,
		&acctType, &subtype, &acct.Currency, &acct.Balance,
		&creditLimit, &availableCreditLimit, &syncError,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	acct.Type = account.Type(acctType)
	if subtype.Valid {
		acct.Subtype = &subtype.String
	}
	if creditLimit.Valid {
		acct.CreditLimit = &creditLimit.Float64
	}
	if availableCreditLimit.Valid {
		acct.AvailableCreditLimit = &availableCreditLimit.Float64
	}
	if syncError.Valid {
		acct.SyncError = &syncError.String
	}
	return &acct, nil
}
