package provider

import (
	"fmt"
	"strconv"
	"time"
)

// Connector is a provider-recognized institution template.
type Connector struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Country       string   `json:"country"`
	SupportsMFA   bool     `json:"supportsMFA"`
	IsOpenFinance bool     `json:"isOpenFinance"`
	IsSandbox     bool     `json:"isSandbox"`
	Products      []string `json:"products"`
}

// ConnectorFilters narrows a connector listing.
type ConnectorFilters struct {
	Countries []string
	Types     []string
	Sandbox   bool
}

// MFAParameter describes the extra input the provider is waiting for.
type MFAParameter struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Type        string `json:"type"`
	Placeholder string `json:"placeholder,omitempty"`
	Expiry      int    `json:"expiresAt,omitempty"`
}

// ProductStatus reports the provider-side sync phase of one product.
type ProductStatus struct {
	IsUpdated     bool    `json:"isUpdated"`
	LastUpdatedAt *string `json:"lastUpdatedAt"`
	Warnings      []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"warnings,omitempty"`
}

// StatusDetail is the provider's structured per-product status payload.
type StatusDetail struct {
	Accounts     *ProductStatus `json:"accounts"`
	Transactions *ProductStatus `json:"transactions"`
	Identity     *ProductStatus `json:"identity,omitempty"`
}

// Connection is the provider's view of one item (user-institution link).
type Connection struct {
	ID              string        `json:"id"`
	ConnectorID     int64         `json:"connectorId"`
	Status          string        `json:"status"`
	ExecutionStatus string        `json:"executionStatus"`
	StatusDetail    *StatusDetail `json:"statusDetail"`
	Parameter       *MFAParameter `json:"parameter,omitempty"`
	ErrorCode       *string       `json:"errorCode,omitempty"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
	LastUpdatedAt   string        `json:"lastUpdatedAt"`
	ConsentExpiry   string        `json:"consentExpiresAt,omitempty"`
	CreatedAt       string        `json:"createdAt"`
	UpdatedAt       string        `json:"updatedAt"`
}

// TransactionsUpdated reports whether the transactions product finished the
// provider-side sync. A connection can be UPDATED while transactions are
// still being processed; ingesting then would read half-synced data.
func (c *Connection) TransactionsUpdated() bool {
	if c.StatusDetail == nil || c.StatusDetail.Transactions == nil {
		return false
	}
	return c.StatusDetail.Transactions.IsUpdated
}

// GetConsentExpiry parses the regulatory consent expiry, if any.
func (c *Connection) GetConsentExpiry() (*time.Time, error) {
	if c.ConsentExpiry == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, c.ConsentExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to parse consentExpiresAt %q: %w", c.ConsentExpiry, err)
	}
	return &t, nil
}

// GetLastUpdatedAt parses the provider's last successful update timestamp.
func (c *Connection) GetLastUpdatedAt() (*time.Time, error) {
	if c.LastUpdatedAt == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, c.LastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lastUpdatedAt %q: %w", c.LastUpdatedAt, err)
	}
	return &t, nil
}

// CreditData carries credit-card specific account fields.
type CreditData struct {
	Brand                string  `json:"brand"`
	CreditLimit          float64 `json:"creditLimit"`
	AvailableCreditLimit float64 `json:"availableCreditLimit"`
	BalanceCloseDate     string  `json:"balanceCloseDate,omitempty"`
	BalanceDueDate       string  `json:"balanceDueDate,omitempty"`
}

// Account is a financial account under a connection.
// The API returns balance as a string.
type Account struct {
	ID            string      `json:"id"`
	ConnectionID  string      `json:"itemId"`
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Subtype       string      `json:"subtype"`
	CurrencyCode  string      `json:"currencyCode"`
	BalanceString string      `json:"balance"`
	CreditData    *CreditData `json:"creditData,omitempty"`
	CreatedAt     string      `json:"createdAt"`
	UpdatedAt     string      `json:"updatedAt"`
}

// GetBalance returns the balance as a float64.
func (a *Account) GetBalance() (float64, error) {
	if a.BalanceString == "" {
		return 0, nil
	}
	balance, err := strconv.ParseFloat(a.BalanceString, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse balance %q: %w", a.BalanceString, err)
	}
	return balance, nil
}

// Transaction is one raw transaction record from the provider.
// Amounts and dates arrive as strings.
type Transaction struct {
	ID           string  `json:"id"`
	AccountID    string  `json:"accountId"`
	Description  string  `json:"description"`
	AmountString string  `json:"amount"`
	CurrencyCode string  `json:"currencyCode"`
	DateString   string  `json:"date"`
	Type         string  `json:"type"`   // "DEBIT" or "CREDIT"
	Status       string  `json:"status"` // "PENDING" or "POSTED"
	CategoryCode *string `json:"categoryId"`
	Category     *string `json:"category"`
}

// GetAmount returns the signed amount as a float64.
func (t *Transaction) GetAmount() (float64, error) {
	if t.AmountString == "" {
		return 0, nil
	}
	amount, err := strconv.ParseFloat(t.AmountString, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse amount %q: %w", t.AmountString, err)
	}
	return amount, nil
}

// GetDate parses the occurred-at timestamp. The API uses either RFC3339 or
// "2006-01-02 15:04:05" depending on the connector.
func (t *Transaction) GetDate() (*time.Time, error) {
	if t.DateString == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, t.DateString)
	if err != nil {
		parsed, err = time.Parse("2006-01-02 15:04:05", t.DateString)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %q: %w", t.DateString, err)
		}
	}
	return &parsed, nil
}

// TransactionPage is one page of a transaction listing.
type TransactionPage struct {
	Results    []Transaction `json:"results"`
	Page       int           `json:"page"`
	TotalPages int           `json:"totalPages"`
	Total      int           `json:"total"`
}

type connectorListResponse struct {
	Results []Connector `json:"results"`
}

type accountListResponse struct {
	Results []Account `json:"results"`
}

type authResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"` // seconds
}
