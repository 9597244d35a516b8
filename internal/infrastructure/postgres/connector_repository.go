package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"contia/internal/domain/connector"
)

type ConnectorRepository struct {
	db *DB
}

func NewConnectorRepository(db *DB) *ConnectorRepository {
	return &ConnectorRepository{db: db}
}

func (r *ConnectorRepository) GetByID(ctx context.Context, id int64) (*connector.Connector, error) {
	query := `
		SELECT id, name, country, supports_mfa, open_finance, sandbox, products, synced_at
		FROM connectors
		WHERE id = $1
	`

	conn, err := scanConnector(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}
	return conn, nil
}

func (r *ConnectorRepository) Upsert(ctx context.Context, params connector.UpsertParams) (*connector.Connector, error) {
	query := `
		INSERT INTO connectors (id, name, country, supports_mfa, open_finance, sandbox, products, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			country = EXCLUDED.country,
			supports_mfa = EXCLUDED.supports_mfa,
			open_finance = EXCLUDED.open_finance,
			sandbox = EXCLUDED.sandbox,
			products = EXCLUDED.products,
			synced_at = NOW()
		RETURNING id, name, country, supports_mfa, open_finance, sandbox, products, synced_at
	`

	conn, err := scanConnector(r.db.QueryRowContext(ctx, query,
		params.ID, params.Name, params.Country, params.SupportsMFA,
		params.IsOpenFinance, params.IsSandbox, pq.Array(params.Products),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connector: %w", err)
	}
	return conn, nil
}

func (r *ConnectorRepository) List(ctx context.Context) ([]*connector.Connector, error) {
	query := `
		SELECT id, name, country, supports_mfa, open_finance, sandbox, products, synced_at
		FROM connectors
		ORDER BY name ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer rows.Close()

	var connectors []*connector.Connector
	for rows.Next() {
		conn, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connector: %w", err)
		}
		connectors = append(connectors, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connectors: %w", err)
	}
	return connectors, nil
}

func scanConnector(row rowScanner) (*connector.Connector, error) {
	var conn connector.Connector
	err := row.Scan(
		&conn.ID, &conn.Name, &conn.Country, &conn.SupportsMFA,
		&conn.IsOpenFinance, &conn.IsSandbox, pq.Array(&conn.Products),
		&conn.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}
