package provider

import (
	"context"
	"time"
)

// API is the provider surface consumed by the sync services.
// Defined here so services can take test doubles.
type API interface {
	Authenticate(ctx context.Context) (string, error)
	ListConnectors(ctx context.Context, filters ConnectorFilters) ([]Connector, error)
	CreateConnection(ctx context.Context, connectorID int64, credentials map[string]string) (*Connection, error)
	GetConnection(ctx context.Context, id string) (*Connection, error)
	UpdateConnection(ctx context.Context, id string, credentials map[string]string) (*Connection, error)
	DeleteConnection(ctx context.Context, id string) error
	SendMFA(ctx context.Context, id, value string) (*Connection, error)
	ListAccounts(ctx context.Context, connectionID string) ([]Account, error)
	ListTransactions(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*TransactionPage, error)
}
