package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"contia/internal/domain/connection"
)

type ConnectionRepository struct {
	db *DB
}

func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionSelect = `
	SELECT c.id, c.external_id, c.company_id, c.connector_id, c.status,
	       c.status_detail, c.execution_status, c.last_synced_at, c.next_retry_at,
	       c.consent_expires_at, c.consent_renewal_attempts, c.consent_last_outcome,
	       c.created_at, c.updated_at,
	       k.open_finance, k.sandbox, k.supports_mfa
	FROM connections c
	JOIN connectors k ON k.id = c.connector_id
`

func (r *ConnectionRepository) GetByExternalID(ctx context.Context, externalID string) (*connection.WithConnector, error) {
	query := connectionSelect + `
		WHERE c.external_id = $1 AND c.deleted_at IS NULL
	`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepository) Create(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	query := `
		INSERT INTO connections (external_id, company_id, connector_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	conn := connection.Connection{
		ExternalID:  params.ExternalID,
		CompanyID:   params.CompanyID,
		ConnectorID: params.ConnectorID,
		Status:      params.Status,
	}
	err := r.db.QueryRowContext(ctx, query,
		params.ExternalID, params.CompanyID, params.ConnectorID, string(params.Status),
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return &conn, nil
}

func (r *ConnectionRepository) UpdateStatus(ctx context.Context, externalID string, update connection.StatusUpdate) error {
	query := `
		UPDATE connections
		SET status = $2, status_detail = $3, execution_status = $4,
		    next_retry_at = $5, updated_at = NOW()
		WHERE external_id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, externalID,
		string(update.Status), update.StatusDetail, update.ExecutionStatus, update.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return requireRow(result)
}

func (r *ConnectionRepository) SetLastSyncedAt(ctx context.Context, externalID string, t time.Time) error {
	query := `
		UPDATE connections
		SET last_synced_at = $2, updated_at = NOW()
		WHERE external_id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, externalID, t)
	if err != nil {
		return fmt.Errorf("failed to set last synced at: %w", err)
	}
	return requireRow(result)
}

func (r *ConnectionRepository) SetConsent(ctx context.Context, externalID string, consent connection.ConsentRecord) error {
	query := `
		UPDATE connections
		SET consent_expires_at = $2, consent_renewal_attempts = $3,
		    consent_last_outcome = $4, updated_at = NOW()
		WHERE external_id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, externalID,
		consent.ExpiresAt, consent.RenewalAttempts, consent.LastOutcome)
	if err != nil {
		return fmt.Errorf("failed to set consent: %w", err)
	}
	return requireRow(result)
}

func (r *ConnectionRepository) ListExpiringConsent(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error) {
	query := connectionSelect + `
		WHERE c.deleted_at IS NULL
		  AND k.open_finance = TRUE
		  AND c.consent_expires_at IS NOT NULL
		  AND c.consent_expires_at <= $1
		  AND c.status NOT IN ('CONSENT_EXPIRED', 'ERROR')
		ORDER BY c.consent_expires_at ASC
	`
	return r.list(ctx, query, deadline)
}

func (r *ConnectionRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*connection.WithConnector, error) {
	query := connectionSelect + `
		WHERE c.deleted_at IS NULL
		  AND c.status IN ('UPDATED', 'OUTDATED')
		  AND (c.last_synced_at IS NULL OR c.last_synced_at < $1)
		  AND (c.next_retry_at IS NULL OR c.next_retry_at <= NOW())
		ORDER BY c.last_synced_at ASC NULLS FIRST
	`
	return r.list(ctx, query, cutoff)
}

// DeleteCascade removes the connection's transactions and accounts, then
// soft-deletes the connection itself, all in one database transaction.
func (r *ConnectionRepository) DeleteCascade(ctx context.Context, externalID string) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE account_external_id IN (
			SELECT external_id FROM accounts WHERE connection_external_id = $1
		)
	`, externalID); err != nil {
		return fmt.Errorf("failed to delete transactions: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx, `
		DELETE FROM account_usage
		WHERE account_external_id IN (
			SELECT external_id FROM accounts WHERE connection_external_id = $1
		)
	`, externalID); err != nil {
		return fmt.Errorf("failed to delete account usage: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx, `
		DELETE FROM accounts WHERE connection_external_id = $1
	`, externalID); err != nil {
		return fmt.Errorf("failed to delete accounts: %w", err)
	}

	result, err := dbTx.ExecContext(ctx, `
		UPDATE connections SET deleted_at = NOW(), updated_at = NOW()
		WHERE external_id = $1 AND deleted_at IS NULL
	`, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if affected == 0 {
		return connection.ErrNotFound
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]*connection.WithConnector, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []*connection.WithConnector
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return connections, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return connection.ErrNotFound
	}
	return nil
}

func scanConnection(row rowScanner) (*connection.WithConnector, error) {
	var conn connection.WithConnector
	var status string
	var statusDetail, lastOutcome sql.NullString
	var executionStatus sql.NullString
	var lastSyncedAt, nextRetryAt, consentExpiresAt sql.NullTime

	err := row.Scan(
		&conn.ID, &conn.ExternalID, &conn.CompanyID, &conn.ConnectorID, &status,
		&statusDetail, &executionStatus, &lastSyncedAt, &nextRetryAt,
		&consentExpiresAt, &conn.Consent.RenewalAttempts, &lastOutcome,
		&conn.CreatedAt, &conn.UpdatedAt,
		&conn.ConnectorOpenFinance, &conn.ConnectorSandbox, &conn.ConnectorSupportsMFA,
	)
	if err != nil {
		return nil, err
	}

	conn.Status = connection.Status(status)
	if statusDetail.Valid {
		conn.StatusDetail = &statusDetail.String
	}
	if executionStatus.Valid {
		conn.ExecutionStatus = executionStatus.String
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		conn.LastSyncedAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		conn.NextRetryAt = &t
	}
	if consentExpiresAt.Valid {
		t := consentExpiresAt.Time
		conn.Consent.ExpiresAt = &t
	}
	if lastOutcome.Valid {
		conn.Consent.LastOutcome = &lastOutcome.String
	}
	return &conn, nil
}
