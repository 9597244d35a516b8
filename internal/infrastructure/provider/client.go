// Package provider implements the authenticated HTTP client for the account
// aggregation API: token acquisition and refresh, bounded retries for
// transport failures, and typed errors for everything else.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"contia/internal/shared/retry"
)

const (
	authPath         = "/auth/token"
	connectorsPath   = "/connectors"
	connectionsPath  = "/items"
	accountsPath     = "/accounts"
	transactionsPath = "/transactions"
	mfaPath          = "/items/%s/mfa"
)

// Config carries the client settings.
type Config struct {
	BaseURL           string
	ClientID          string
	ClientSecret      string
	RequestTimeout    time.Duration
	TokenExpiryMargin time.Duration
	Retry             *retry.Config
}

// Client talks to the aggregation provider API.
type Client struct {
	httpClient *http.Client
	baseURL    string

	clientID     string
	clientSecret string
	expiryMargin time.Duration

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	retryCfg *retry.Config
	logger   *zap.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a provider API client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 180 * time.Second
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	margin := cfg.TokenExpiryMargin
	if margin == 0 {
		margin = 5 * time.Minute
	}

	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		expiryMargin: margin,
		retryCfg:     retryCfg,
		logger:       logger,
	}
}

// Authenticate returns a valid API token, reusing the cached one until it is
// within the expiry margin.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	body, err := json.Marshal(map[string]string{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth request: %w", err)
	}

	var auth authResponse
	err = retry.Do(ctx, c.retryCfg, func() error {
		// A fresh request per attempt: the body reader is consumed by the
		// transport even when the connection drops mid-flight.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create auth request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &transportError{err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transportError{err: err}
		}
		if resp.StatusCode != http.StatusOK {
			return parseAPIError(resp.StatusCode, respBody)
		}
		if err := json.Unmarshal(respBody, &auth); err != nil {
			return fmt.Errorf("failed to unmarshal auth response: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}

	expiry := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)

	c.mu.Lock()
	c.token = auth.AccessToken
	c.tokenExpiry = expiry.Add(-c.expiryMargin)
	c.mu.Unlock()

	c.logger.Debug("provider token refreshed", zap.Time("expiry", expiry))
	return auth.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do executes one authenticated request. Transport failures are retried with
// exponential backoff; a 401 forces exactly one re-authentication and retry;
// every other non-2xx response becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	execute := func() error {
		token, err := c.Authenticate(ctx)
		if err != nil {
			return err
		}

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &transportError{err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transportError{err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return parseAPIError(resp.StatusCode, respBody)
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to unmarshal response: %w", err)
			}
		}
		return nil
	}

	err := retry.Do(ctx, c.retryCfg, execute)

	// A 401 means the cached token went stale early. Re-authenticate once and
	// retry; a second 401 is surfaced as-is.
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("provider rejected token, re-authenticating", zap.String("path", path))
		c.invalidateToken()
		err = retry.Do(ctx, c.retryCfg, execute)
	}

	return err
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = fmt.Sprintf("HTTP_%d", status)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Payload = payload
	}
	return apiErr
}

// ListConnectors fetches the institution templates matching the filters.
func (c *Client) ListConnectors(ctx context.Context, filters ConnectorFilters) ([]Connector, error) {
	query := url.Values{}
	if len(filters.Countries) > 0 {
		query.Set("countries", strings.Join(filters.Countries, ","))
	}
	if len(filters.Types) > 0 {
		query.Set("types", strings.Join(filters.Types, ","))
	}
	if filters.Sandbox {
		query.Set("sandbox", "true")
	}

	var resp connectorListResponse
	if err := c.do(ctx, http.MethodGet, connectorsPath, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	return resp.Results, nil
}

// CreateConnection performs the initial handshake with an institution.
func (c *Client) CreateConnection(ctx context.Context, connectorID int64, credentials map[string]string) (*Connection, error) {
	payload := map[string]any{
		"connectorId": connectorID,
		"parameters":  credentials,
	}

	var conn Connection
	if err := c.do(ctx, http.MethodPost, connectionsPath, nil, payload, &conn); err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return &conn, nil
}

// GetConnection fetches the current provider-side state of a connection.
func (c *Client) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var conn Connection
	if err := c.do(ctx, http.MethodGet, connectionsPath+"/"+id, nil, nil, &conn); err != nil {
		return nil, fmt.Errorf("failed to get connection %s: %w", id, err)
	}
	return &conn, nil
}

// UpdateConnection updates a connection. Empty credentials trigger a
// provider-side re-sync without changing stored secrets.
func (c *Client) UpdateConnection(ctx context.Context, id string, credentials map[string]string) (*Connection, error) {
	payload := map[string]any{}
	if len(credentials) > 0 {
		payload["parameters"] = credentials
	}

	var conn Connection
	if err := c.do(ctx, http.MethodPatch, connectionsPath+"/"+id, nil, payload, &conn); err != nil {
		return nil, fmt.Errorf("failed to update connection %s: %w", id, err)
	}
	return &conn, nil
}

// DeleteConnection removes the connection on the provider side.
func (c *Client) DeleteConnection(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, connectionsPath+"/"+id, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", id, err)
	}
	return nil
}

// SendMFA submits the pending MFA value for a WAITING_USER_INPUT connection.
func (c *Client) SendMFA(ctx context.Context, id, value string) (*Connection, error) {
	payload := map[string]string{"value": value}

	var conn Connection
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf(mfaPath, id), nil, payload, &conn); err != nil {
		return nil, fmt.Errorf("failed to send MFA for connection %s: %w", id, err)
	}
	return &conn, nil
}

// ListAccounts fetches all accounts under a connection.
func (c *Client) ListAccounts(ctx context.Context, connectionID string) ([]Account, error) {
	query := url.Values{"itemId": {connectionID}}

	var resp accountListResponse
	if err := c.do(ctx, http.MethodGet, accountsPath, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list accounts for connection %s: %w", connectionID, err)
	}
	return resp.Results, nil
}

// ListTransactions fetches one page of transactions for an account within a
// date window. Dates are inclusive, formatted as YYYY-MM-DD.
func (c *Client) ListTransactions(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*TransactionPage, error) {
	query := url.Values{
		"accountId": {accountID},
		"from":      {from.Format("2006-01-02")},
		"to":        {to.Format("2006-01-02")},
		"page":      {strconv.Itoa(page)},
		"pageSize":  {strconv.Itoa(pageSize)},
	}

	var resp TransactionPage
	if err := c.do(ctx, http.MethodGet, transactionsPath, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list transactions for account %s page %d: %w", accountID, page, err)
	}
	return &resp, nil
}
