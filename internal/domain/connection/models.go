// Package connection owns the bank-connection state machine.
package connection

import "time"

// Status is the connection lifecycle state.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusUpdating         Status = "UPDATING"
	StatusUpdated          Status = "UPDATED"
	StatusWaitingUserInput Status = "WAITING_USER_INPUT"
	StatusLoginError       Status = "LOGIN_ERROR"
	StatusOutdated         Status = "OUTDATED"
	StatusConsentExpired   Status = "CONSENT_EXPIRED"
	// StatusError is terminal until the user reconnects.
	StatusError Status = "ERROR"
)

// ConsentRecord tracks regulatory consent for Open Finance connections.
type ConsentRecord struct {
	ExpiresAt       *time.Time
	RenewalAttempts int
	LastOutcome     *string
}

// Connection is one company's link to an institution via a connector.
type Connection struct {
	ID              int64
	ExternalID      string
	CompanyID       int64
	ConnectorID     int64
	Status          Status
	StatusDetail    *string
	ExecutionStatus string
	LastSyncedAt    *time.Time
	NextRetryAt     *time.Time
	Consent         ConsentRecord
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// IsOpenFinance is resolved against the connector template by callers that
// loaded both; stored here to avoid re-joining in hot paths.
type WithConnector struct {
	Connection
	ConnectorOpenFinance bool
	ConnectorSandbox     bool
	ConnectorSupportsMFA bool
}

// StatusUpdate is one persisted state transition.
type StatusUpdate struct {
	Status          Status
	StatusDetail    *string
	ExecutionStatus string
	NextRetryAt     *time.Time
}

// CreateParams creates the local row after the first provider handshake.
type CreateParams struct {
	ExternalID  string
	CompanyID   int64
	ConnectorID int64
	Status      Status
}
