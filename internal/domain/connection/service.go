package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contia/internal/domain/classify"
	"contia/internal/domain/syncwindow"
	"contia/internal/infrastructure/provider"
	"contia/internal/shared/retry"
)

// SyncStats summarizes one ingestion run.
type SyncStats struct {
	Accounts int `json:"accounts"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Syncer starts transaction ingestion for a connection. Implemented by the
// ingest service; an interface here breaks the construction cycle.
type Syncer interface {
	SyncConnection(ctx context.Context, conn *WithConnector, trigger syncwindow.Trigger) (*SyncStats, error)
}

// Service is the connection lifecycle manager. It owns every state
// transition; nothing else writes connection status.
type Service struct {
	client   provider.API
	repo     Repository
	syncer   Syncer
	retryCfg *retry.Config
	logger   *zap.Logger
}

func NewService(client provider.API, repo Repository, logger *zap.Logger) *Service {
	return &Service{client: client, repo: repo, retryCfg: retry.DefaultConfig(), logger: logger}
}

// SetSyncer wires the ingester after construction.
func (s *Service) SetSyncer(syncer Syncer) { s.syncer = syncer }

// TriggerResult reports the outcome of a manual/scheduled/webhook trigger.
type TriggerResult struct {
	Status       Status
	Message      string
	MFAParameter *provider.MFAParameter
	SyncStarted  bool
	SyncStats    *SyncStats
}

// Create performs the first handshake with the provider and persists the
// local connection row.
func (s *Service) Create(ctx context.Context, companyID int64, connectorID int64, credentials map[string]string) (*TriggerResult, error) {
	pconn, err := s.client.CreateConnection(ctx, connectorID, credentials)
	if err != nil {
		return nil, fmt.Errorf("provider handshake failed: %w", err)
	}

	if _, err := s.repo.Create(ctx, CreateParams{
		ExternalID:  pconn.ID,
		CompanyID:   companyID,
		ConnectorID: connectorID,
		Status:      StatusCreated,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist connection: %w", err)
	}

	conn, err := s.repo.GetByExternalID(ctx, pconn.ID)
	if err != nil {
		return nil, err
	}
	return s.applyProviderState(ctx, conn, pconn, syncwindow.TriggerAuto)
}

// TriggerUpdate drives the state machine for an existing connection.
//
// WAITING_USER_INPUT and LOGIN_ERROR report what the user must do without
// touching state; UPDATING is a no-op; everything else asks the provider to
// re-sync and transitions to the provider-reported status.
func (s *Service) TriggerUpdate(ctx context.Context, externalID string, trigger syncwindow.Trigger) (*TriggerResult, error) {
	conn, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	switch conn.Status {
	case StatusWaitingUserInput:
		pconn, err := s.callProvider(ctx, conn, func() (*provider.Connection, error) {
			return s.client.GetConnection(ctx, externalID)
		})
		if err != nil {
			return s.handleProviderError(ctx, conn, err)
		}
		return &TriggerResult{
			Status:       StatusWaitingUserInput,
			Message:      "MFA required",
			MFAParameter: pconn.Parameter,
		}, nil

	case StatusLoginError:
		return &TriggerResult{Status: StatusLoginError, Message: "credentials required"}, nil

	case StatusError:
		return &TriggerResult{Status: StatusError, Message: "reconnect required"}, nil

	case StatusUpdating:
		return &TriggerResult{Status: StatusUpdating, Message: "already syncing"}, nil

	case StatusCreated:
		// Initial handshake still settling; poll instead of nudging.
		pconn, err := s.callProvider(ctx, conn, func() (*provider.Connection, error) {
			return s.client.GetConnection(ctx, externalID)
		})
		if err != nil {
			return s.handleProviderError(ctx, conn, err)
		}
		return s.applyProviderState(ctx, conn, pconn, trigger)

	default: // UPDATED, OUTDATED, CONSENT_EXPIRED
		// Empty credentials ask the provider to re-sync without changing
		// stored secrets.
		pconn, err := s.callProvider(ctx, conn, func() (*provider.Connection, error) {
			return s.client.UpdateConnection(ctx, externalID, nil)
		})
		if err != nil {
			return s.handleProviderError(ctx, conn, err)
		}
		return s.applyProviderState(ctx, conn, pconn, trigger)
	}
}

// RefreshStatus re-derives local state from the provider. Used by webhook
// handlers, which never trust payload fields beyond the connection id.
func (s *Service) RefreshStatus(ctx context.Context, externalID string, trigger syncwindow.Trigger) (*TriggerResult, error) {
	conn, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	pconn, err := s.callProvider(ctx, conn, func() (*provider.Connection, error) {
		return s.client.GetConnection(ctx, externalID)
	})
	if err != nil {
		return s.handleProviderError(ctx, conn, err)
	}
	return s.applyProviderState(ctx, conn, pconn, trigger)
}

// SubmitMFA forwards the pending MFA value to the provider.
func (s *Service) SubmitMFA(ctx context.Context, externalID, value string) (*TriggerResult, error) {
	conn, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if conn.Status != StatusWaitingUserInput {
		return nil, fmt.Errorf("connection %s is not waiting for user input", externalID)
	}

	pconn, err := s.callProvider(ctx, conn, func() (*provider.Connection, error) {
		return s.client.SendMFA(ctx, externalID, value)
	})
	if err != nil {
		return s.handleProviderError(ctx, conn, err)
	}
	return s.applyProviderState(ctx, conn, pconn, syncwindow.TriggerAuto)
}

// Disconnect deletes the provider-side connection and cascades the local
// delete (transactions, accounts, connection) in one transaction.
func (s *Service) Disconnect(ctx context.Context, externalID string) error {
	if err := s.client.DeleteConnection(ctx, externalID); err != nil {
		// A connection the provider no longer knows is already gone.
		var apiErr *provider.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
			return fmt.Errorf("failed to delete provider connection: %w", err)
		}
	}
	return s.repo.DeleteCascade(ctx, externalID)
}

// applyProviderState persists the provider-reported status and consent
// expiry, then starts ingestion when the connection is UPDATED and the
// provider marks the transactions product ready. Ingestion is otherwise
// deferred to a later webhook so half-synced data is never pulled.
func (s *Service) applyProviderState(ctx context.Context, conn *WithConnector, pconn *provider.Connection, trigger syncwindow.Trigger) (*TriggerResult, error) {
	newStatus := parseStatus(pconn.Status)

	var detail *string
	if pconn.ErrorMessage != nil {
		detail = pconn.ErrorMessage
	}
	if err := s.repo.UpdateStatus(ctx, conn.ExternalID, StatusUpdate{
		Status:          newStatus,
		StatusDetail:    detail,
		ExecutionStatus: pconn.ExecutionStatus,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist status: %w", err)
	}

	if expiry, err := pconn.GetConsentExpiry(); err == nil && expiry != nil {
		consent := conn.Consent
		consent.ExpiresAt = expiry
		if err := s.repo.SetConsent(ctx, conn.ExternalID, consent); err != nil {
			s.logger.Warn("failed to persist consent expiry",
				zap.String("connection", conn.ExternalID), zap.Error(err))
		}
	}

	result := &TriggerResult{Status: newStatus, Message: statusMessage(newStatus)}
	if newStatus == StatusWaitingUserInput {
		result.MFAParameter = pconn.Parameter
	}

	if newStatus == StatusUpdated && pconn.TransactionsUpdated() && s.syncer != nil {
		conn.Status = newStatus
		stats, err := s.syncer.SyncConnection(ctx, conn, trigger)
		if err != nil {
			s.logger.Error("ingestion failed",
				zap.String("connection", conn.ExternalID), zap.Error(err))
		} else {
			result.SyncStarted = true
			result.SyncStats = stats
		}
	} else if newStatus == StatusUpdated {
		s.logger.Info("ingestion deferred, transactions product not ready",
			zap.String("connection", conn.ExternalID))
	}

	return result, nil
}

// transientProviderError marks a provider failure the classifier says is
// worth retrying right away.
type transientProviderError struct{ err error }

func (e transientProviderError) Error() string     { return e.err.Error() }
func (e transientProviderError) Unwrap() error     { return e.err }
func (e transientProviderError) IsRetryable() bool { return true }

// callProvider runs op with bounded immediate retries for transient provider
// failures (5xx, institution outages). Every other failure surfaces on the
// first attempt and goes to handleProviderError as usual.
func (s *Service) callProvider(ctx context.Context, conn *WithConnector, op func() (*provider.Connection, error)) (*provider.Connection, error) {
	return retry.DoWithResult(ctx, s.retryCfg, func() (*provider.Connection, error) {
		pconn, err := op()
		if err == nil {
			return pconn, nil
		}
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			action := classify.Classify(apiErr.Code, apiErr.Payload, classify.Context{
				OpenFinance: conn.ConnectorOpenFinance,
				RetryAfter:  apiErr.RetryAfter,
			})
			if action.Kind == classify.RetryImmediately {
				s.logger.Warn("transient provider error, retrying",
					zap.String("connection", conn.ExternalID),
					zap.String("code", apiErr.Code))
				return nil, transientProviderError{err}
			}
		}
		return nil, err
	})
}

// handleProviderError classifies a provider failure into a state transition.
func (s *Service) handleProviderError(ctx context.Context, conn *WithConnector, err error) (*TriggerResult, error) {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		// Transport failure after client-side retries: leave state alone,
		// a later poll or webhook will settle it.
		return nil, err
	}

	action := classify.Classify(apiErr.Code, apiErr.Payload, classify.Context{
		OpenFinance: conn.ConnectorOpenFinance,
		RetryAfter:  apiErr.RetryAfter,
	})

	msg := apiErr.Message
	update := StatusUpdate{StatusDetail: &msg}

	switch action.Kind {
	case classify.RequireUserAction:
		update.Status = StatusLoginError
		update.ExecutionStatus = "USER_ACTION_REQUIRED"

	case classify.RenewConsent:
		update.Status = StatusConsentExpired
		update.ExecutionStatus = "CONSENT_EXPIRED"

	case classify.RetryWithBackoff:
		// Rate-limited is not an error state; keep the current status and
		// record when it is worth trying again.
		next := time.Now().Add(action.Delay)
		update.Status = conn.Status
		update.ExecutionStatus = "RATE_LIMITED"
		update.NextRetryAt = &next

	case classify.RetryImmediately:
		// callProvider already burned the immediate attempts; park the
		// connection for the stale sweep to pick up.
		update.Status = StatusOutdated
		update.ExecutionStatus = "RETRY_PENDING"

	case classify.Skip:
		return &TriggerResult{Status: conn.Status, Message: "skipped: " + apiErr.Code}, nil

	default: // classify.AlertOperator
		update.Status = StatusError
		update.ExecutionStatus = "OPERATOR_ALERTED"
		s.logger.Error("unrecognized provider error",
			zap.String("connection", conn.ExternalID),
			zap.String("code", apiErr.Code),
			zap.Any("payload", apiErr.Payload),
		)
	}

	if err := s.repo.UpdateStatus(ctx, conn.ExternalID, update); err != nil {
		return nil, fmt.Errorf("failed to persist error status: %w", err)
	}
	return &TriggerResult{Status: update.Status, Message: statusMessage(update.Status)}, nil
}

func parseStatus(s string) Status {
	switch Status(s) {
	case StatusCreated, StatusUpdating, StatusUpdated, StatusWaitingUserInput,
		StatusLoginError, StatusOutdated, StatusConsentExpired, StatusError:
		return Status(s)
	default:
		return StatusOutdated
	}
}

func statusMessage(s Status) string {
	switch s {
	case StatusUpdated:
		return "up to date"
	case StatusUpdating:
		return "sync in progress"
	case StatusWaitingUserInput:
		return "MFA required"
	case StatusLoginError:
		return "credentials required"
	case StatusConsentExpired:
		return "consent renewal required"
	case StatusOutdated:
		return "provider data is stale"
	case StatusError:
		return "reconnect required"
	default:
		return string(s)
	}
}
