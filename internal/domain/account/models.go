// Package account holds financial accounts under a connection.
package account

import (
	"context"
	"time"
)

// Type is the account product type.
type Type string

const (
	TypeChecking   Type = "CHECKING"
	TypeSavings    Type = "SAVINGS"
	TypeCreditCard Type = "CREDIT_CARD"
	TypeLoan       Type = "LOAN"
	TypeInvestment Type = "INVESTMENT"
)

// Account is a financial account. Balance is a cached snapshot maintained by
// synchronization, not a ledger.
type Account struct {
	ID                   int64
	ExternalID           string
	ConnectionExternalID string
	Name                 string
	Type                 Type
	Subtype              *string
	Currency             string
	Balance              float64
	// Credit-specific fields, set only when Type is CREDIT_CARD.
	CreditLimit          *float64
	AvailableCreditLimit *float64
	// SyncError holds the last transient ingestion failure, cleared on the
	// next successful sync.
	SyncError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertParams carries one account snapshot from the provider.
type UpsertParams struct {
	ExternalID           string
	ConnectionExternalID string
	Name                 string
	Type                 Type
	Subtype              *string
	Currency             string
	Balance              float64
	CreditLimit          *float64
	AvailableCreditLimit *float64
}

// Repository persists accounts. Accounts are mutated only by synchronization.
type Repository interface {
	GetByExternalID(ctx context.Context, externalID string) (*Account, error)
	ListByConnection(ctx context.Context, connectionExternalID string) ([]*Account, error)
	Upsert(ctx context.Context, params UpsertParams) (*Account, error)
	UpdateBalance(ctx context.Context, externalID string, balance float64) error
	SetSyncError(ctx context.Context, externalID string, message *string) error
}

// ParseType maps a provider account type to the local vocabulary.
func ParseType(providerType string) Type {
	switch providerType {
	case "BANK", "CHECKING":
		return TypeChecking
	case "SAVINGS":
		return TypeSavings
	case "CREDIT", "CREDIT_CARD":
		return TypeCreditCard
	case "LOAN":
		return TypeLoan
	case "INVESTMENT":
		return TypeInvestment
	default:
		return TypeChecking
	}
}
