// Package webhook defines the provider push events and their idempotency
// contract.
package webhook

import "encoding/json"

// Event types pushed by the provider.
const (
	EventConnectionCreated      = "item/created"
	EventConnectionUpdated      = "item/updated"
	EventConnectionError        = "item/error"
	EventConnectionDeleted      = "item/deleted"
	EventMFARequired            = "item/waiting_user_input"
	EventLoginSucceeded         = "item/login_succeeded"
	EventTransactionsCreated    = "transactions/created"
	EventTransactionsUpdated    = "transactions/updated"
	EventTransactionsDeleted    = "transactions/deleted"
	EventConnectorStatusChanged = "connector/status_updated"
)

// Event is the provider's push notification payload.
type Event struct {
	Type         string          `json:"event"`
	ConnectionID string          `json:"itemId"`
	EventID      string          `json:"eventId"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Valid reports whether the event carries the minimum routable fields.
func (e *Event) Valid() bool {
	return e.Type != "" && e.EventID != ""
}
