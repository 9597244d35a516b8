package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contia/internal/domain/syncwindow"
	"contia/internal/infrastructure/provider"
	"contia/internal/shared/retry"
)

func fastRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type MockAPI struct {
	CreateConnectionFunc func(ctx context.Context, connectorID int64, credentials map[string]string) (*provider.Connection, error)
	GetConnectionFunc    func(ctx context.Context, id string) (*provider.Connection, error)
	UpdateConnectionFunc func(ctx context.Context, id string, credentials map[string]string) (*provider.Connection, error)
	DeleteConnectionFunc func(ctx context.Context, id string) error
	SendMFAFunc          func(ctx context.Context, id, value string) (*provider.Connection, error)
}

func (m *MockAPI) Authenticate(ctx context.Context) (string, error) { return "token", nil }
func (m *MockAPI) ListConnectors(ctx context.Context, filters provider.ConnectorFilters) ([]provider.Connector, error) {
	return nil, nil
}
func (m *MockAPI) CreateConnection(ctx context.Context, connectorID int64, credentials map[string]string) (*provider.Connection, error) {
	if m.CreateConnectionFunc != nil {
		return m.CreateConnectionFunc(ctx, connectorID, credentials)
	}
	return nil, nil
}
func (m *MockAPI) GetConnection(ctx context.Context, id string) (*provider.Connection, error) {
	if m.GetConnectionFunc != nil {
		return m.GetConnectionFunc(ctx, id)
	}
	return nil, nil
}
func (m *MockAPI) UpdateConnection(ctx context.Context, id string, credentials map[string]string) (*provider.Connection, error) {
	if m.UpdateConnectionFunc != nil {
		return m.UpdateConnectionFunc(ctx, id, credentials)
	}
	return nil, nil
}
func (m *MockAPI) DeleteConnection(ctx context.Context, id string) error {
	if m.DeleteConnectionFunc != nil {
		return m.DeleteConnectionFunc(ctx, id)
	}
	return nil
}
func (m *MockAPI) SendMFA(ctx context.Context, id, value string) (*provider.Connection, error) {
	if m.SendMFAFunc != nil {
		return m.SendMFAFunc(ctx, id, value)
	}
	return nil, nil
}
func (m *MockAPI) ListAccounts(ctx context.Context, connectionID string) ([]provider.Account, error) {
	return nil, nil
}
func (m *MockAPI) ListTransactions(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
	return nil, nil
}

type MockRepo struct {
	GetByExternalIDFunc     func(ctx context.Context, externalID string) (*WithConnector, error)
	CreateFunc              func(ctx context.Context, params CreateParams) (*Connection, error)
	UpdateStatusFunc        func(ctx context.Context, externalID string, update StatusUpdate) error
	SetLastSyncedAtFunc     func(ctx context.Context, externalID string, t time.Time) error
	SetConsentFunc          func(ctx context.Context, externalID string, consent ConsentRecord) error
	ListExpiringConsentFunc func(ctx context.Context, deadline time.Time) ([]*WithConnector, error)
	ListStaleFunc           func(ctx context.Context, cutoff time.Time) ([]*WithConnector, error)
	DeleteCascadeFunc       func(ctx context.Context, externalID string) error
}

func (m *MockRepo) GetByExternalID(ctx context.Context, externalID string) (*WithConnector, error) {
	if m.GetByExternalIDFunc != nil {
		return m.GetByExternalIDFunc(ctx, externalID)
	}
	return nil, ErrNotFound
}
func (m *MockRepo) Create(ctx context.Context, params CreateParams) (*Connection, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, params)
	}
	return &Connection{ExternalID: params.ExternalID}, nil
}
func (m *MockRepo) UpdateStatus(ctx context.Context, externalID string, update StatusUpdate) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, externalID, update)
	}
	return nil
}
func (m *MockRepo) SetLastSyncedAt(ctx context.Context, externalID string, t time.Time) error {
	if m.SetLastSyncedAtFunc != nil {
		return m.SetLastSyncedAtFunc(ctx, externalID, t)
	}
	return nil
}
func (m *MockRepo) SetConsent(ctx context.Context, externalID string, consent ConsentRecord) error {
	if m.SetConsentFunc != nil {
		return m.SetConsentFunc(ctx, externalID, consent)
	}
	return nil
}
func (m *MockRepo) ListExpiringConsent(ctx context.Context, deadline time.Time) ([]*WithConnector, error) {
	if m.ListExpiringConsentFunc != nil {
		return m.ListExpiringConsentFunc(ctx, deadline)
	}
	return nil, nil
}
func (m *MockRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*WithConnector, error) {
	if m.ListStaleFunc != nil {
		return m.ListStaleFunc(ctx, cutoff)
	}
	return nil, nil
}
func (m *MockRepo) DeleteCascade(ctx context.Context, externalID string) error {
	if m.DeleteCascadeFunc != nil {
		return m.DeleteCascadeFunc(ctx, externalID)
	}
	return nil
}

type MockSyncer struct {
	SyncConnectionFunc func(ctx context.Context, conn *WithConnector, trigger syncwindow.Trigger) (*SyncStats, error)
	calls              int
}

func (m *MockSyncer) SyncConnection(ctx context.Context, conn *WithConnector, trigger syncwindow.Trigger) (*SyncStats, error) {
	m.calls++
	if m.SyncConnectionFunc != nil {
		return m.SyncConnectionFunc(ctx, conn, trigger)
	}
	return &SyncStats{}, nil
}

func storedConnection(status Status) *WithConnector {
	return &WithConnector{
		Connection: Connection{ExternalID: "item-1", CompanyID: 10, ConnectorID: 201, Status: status},
	}
}

func providerConnection(status string, txUpdated bool) *provider.Connection {
	pconn := &provider.Connection{ID: "item-1", ConnectorID: 201, Status: status}
	if txUpdated {
		pconn.StatusDetail = &provider.StatusDetail{
			Transactions: &provider.ProductStatus{IsUpdated: true},
		}
	}
	return pconn
}

func TestTriggerUpdateWaitingUserInput(t *testing.T) {
	repo := &MockRepo{
		GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
			return storedConnection(StatusWaitingUserInput), nil
		},
	}
	api := &MockAPI{
		GetConnectionFunc: func(ctx context.Context, id string) (*provider.Connection, error) {
			pconn := providerConnection("WAITING_USER_INPUT", false)
			pconn.Parameter = &provider.MFAParameter{Name: "token", Label: "App token"}
			return pconn, nil
		},
	}

	svc := NewService(api, repo, zap.NewNop())
	result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

	require.NoError(t, err)
	assert.Equal(t, StatusWaitingUserInput, result.Status)
	assert.Equal(t, "MFA required", result.Message)
	require.NotNil(t, result.MFAParameter)
	assert.Equal(t, "token", result.MFAParameter.Name)
}

func TestTriggerUpdateLoginErrorNeedsCredentials(t *testing.T) {
	repo := &MockRepo{
		GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
			return storedConnection(StatusLoginError), nil
		},
	}
	api := &MockAPI{
		UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
			t.Fatal("must not call the provider for LOGIN_ERROR")
			return nil, nil
		},
	}

	svc := NewService(api, repo, zap.NewNop())
	result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

	require.NoError(t, err)
	assert.Equal(t, StatusLoginError, result.Status)
	assert.Equal(t, "credentials required", result.Message)
}

func TestTriggerUpdateAlreadySyncing(t *testing.T) {
	repo := &MockRepo{
		GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
			return storedConnection(StatusUpdating), nil
		},
	}

	svc := NewService(&MockAPI{}, repo, zap.NewNop())
	result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

	require.NoError(t, err)
	assert.Equal(t, StatusUpdating, result.Status)
	assert.Equal(t, "already syncing", result.Message)
}

func TestTriggerUpdateNudgesProviderWithEmptyCredentials(t *testing.T) {
	var sentCreds map[string]string
	gotCall := false

	repo := &MockRepo{
		GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
			return storedConnection(StatusOutdated), nil
		},
	}
	api := &MockAPI{
		UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
			gotCall = true
			sentCreds = creds
			return providerConnection("UPDATING", false), nil
		},
	}

	svc := NewService(api, repo, zap.NewNop())
	result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

	require.NoError(t, err)
	assert.True(t, gotCall)
	assert.Empty(t, sentCreds)
	assert.Equal(t, StatusUpdating, result.Status)
}

func TestIngestionStartsOnlyWhenTransactionsReady(t *testing.T) {
	repo := &MockRepo{
		GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
			return storedConnection(StatusUpdated), nil
		},
	}

	t.Run("transactions product ready", func(t *testing.T) {
		api := &MockAPI{
			UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
				return providerConnection("UPDATED", true), nil
			},
		}
		syncer := &MockSyncer{
			SyncConnectionFunc: func(ctx context.Context, conn *WithConnector, trigger syncwindow.Trigger) (*SyncStats, error) {
				return &SyncStats{Accounts: 2, Created: 5}, nil
			},
		}

		svc := NewService(api, repo, zap.NewNop())
		svc.SetSyncer(syncer)

		result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)
		require.NoError(t, err)
		assert.True(t, result.SyncStarted)
		assert.Equal(t, 1, syncer.calls)
		require.NotNil(t, result.SyncStats)
		assert.Equal(t, 5, result.SyncStats.Created)
	})

	t.Run("transactions product still processing", func(t *testing.T) {
		api := &MockAPI{
			UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
				return providerConnection("UPDATED", false), nil
			},
		}
		syncer := &MockSyncer{}

		svc := NewService(api, repo, zap.NewNop())
		svc.SetSyncer(syncer)

		result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)
		require.NoError(t, err)
		assert.False(t, result.SyncStarted)
		assert.Equal(t, 0, syncer.calls, "ingestion must be deferred until the product is ready")
	})
}

func TestProviderErrorTransitions(t *testing.T) {
	tests := []struct {
		name          string
		apiErr        *provider.APIError
		wantStatus    Status
		wantExecution string
	}{
		{
			name:          "invalid credentials",
			apiErr:        &provider.APIError{StatusCode: 400, Code: "INVALID_CREDENTIALS", Message: "wrong password"},
			wantStatus:    StatusLoginError,
			wantExecution: "USER_ACTION_REQUIRED",
		},
		{
			name:          "revoked consent",
			apiErr:        &provider.APIError{StatusCode: 403, Code: "CONSENT_REVOKED", Message: "consent revoked"},
			wantStatus:    StatusConsentExpired,
			wantExecution: "CONSENT_EXPIRED",
		},
		{
			name:          "transient provider outage",
			apiErr:        &provider.APIError{StatusCode: 502, Code: "SITE_NOT_AVAILABLE", Message: "institution down"},
			wantStatus:    StatusOutdated,
			wantExecution: "RETRY_PENDING",
		},
		{
			name:          "unknown code alerts operator",
			apiErr:        &provider.APIError{StatusCode: 400, Code: "NEW_MYSTERY_CODE", Message: "?"},
			wantStatus:    StatusError,
			wantExecution: "OPERATOR_ALERTED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var persisted StatusUpdate
			repo := &MockRepo{
				GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
					return storedConnection(StatusUpdated), nil
				},
				UpdateStatusFunc: func(ctx context.Context, id string, update StatusUpdate) error {
					persisted = update
					return nil
				},
			}
			api := &MockAPI{
				UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
					return nil, tt.apiErr
				},
			}

			svc := NewService(api, repo, zap.NewNop())
			svc.retryCfg = fastRetryConfig()
			result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantStatus, persisted.Status)
			assert.Equal(t, tt.wantExecution, persisted.ExecutionStatus)
		})
	}
}

func TestTransientProviderErrorRetriedImmediately(t *testing.T) {
	t.Run("recovers within the attempt budget", func(t *testing.T) {
		calls := 0
		repo := &MockRepo{
			GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
				return storedConnection(StatusUpdated), nil
			},
		}
		api := &MockAPI{
			UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
				calls++
				if calls < 3 {
					return nil, &provider.APIError{StatusCode: 502, Code: "SITE_NOT_AVAILABLE", Message: "institution down"}
				}
				return providerConnection("UPDATING", false), nil
			},
		}

		svc := NewService(api, repo, zap.NewNop())
		svc.retryCfg = fastRetryConfig()
		result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, StatusUpdating, result.Status)
	})

	t.Run("parks the connection after exhaustion", func(t *testing.T) {
		calls := 0
		var persisted StatusUpdate
		repo := &MockRepo{
			GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
				return storedConnection(StatusUpdated), nil
			},
			UpdateStatusFunc: func(ctx context.Context, id string, update StatusUpdate) error {
				persisted = update
				return nil
			},
		}
		api := &MockAPI{
			UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
				calls++
				return nil, &provider.APIError{StatusCode: 502, Code: "SITE_NOT_AVAILABLE", Message: "institution down"}
			},
		}

		svc := NewService(api, repo, zap.NewNop())
		svc.retryCfg = fastRetryConfig()
		result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

		require.NoError(t, err)
		assert.Equal(t, 3, calls, "every attempt in the budget must be used")
		assert.Equal(t, StatusOutdated, result.Status)
		assert.Equal(t, "RETRY_PENDING", persisted.ExecutionStatus)
	})

	t.Run("permanent errors get no extra attempts", func(t *testing.T) {
		calls := 0
		repo := &MockRepo{
			GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
				return storedConnection(StatusUpdated), nil
			},
		}
		api := &MockAPI{
			UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
				calls++
				return nil, &provider.APIError{StatusCode: 400, Code: "INVALID_CREDENTIALS", Message: "wrong password"}
			},
		}

		svc := NewService(api, repo, zap.NewNop())
		svc.retryCfg = fastRetryConfig()
		result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, StatusLoginError, result.Status)
	})
}

func TestRateLimitKeepsStatusAndSchedulesRetry(t *testing.T) {
	var persisted StatusUpdate
	conn := storedConnection(StatusUpdated)
	conn.ConnectorOpenFinance = true

	repo := &MockRepo{
		GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
			return conn, nil
		},
		UpdateStatusFunc: func(ctx context.Context, id string, update StatusUpdate) error {
			persisted = update
			return nil
		},
	}
	api := &MockAPI{
		UpdateConnectionFunc: func(ctx context.Context, id string, creds map[string]string) (*provider.Connection, error) {
			return nil, &provider.APIError{StatusCode: 423, Code: "HTTP_423", Message: "quota exhausted"}
		},
	}

	svc := NewService(api, repo, zap.NewNop())
	result, err := svc.TriggerUpdate(context.Background(), "item-1", syncwindow.TriggerManual)

	require.NoError(t, err)
	// Rate-limited is not an error state.
	assert.Equal(t, StatusUpdated, result.Status)
	assert.Equal(t, StatusUpdated, persisted.Status)
	assert.Equal(t, "RATE_LIMITED", persisted.ExecutionStatus)
	require.NotNil(t, persisted.NextRetryAt)
	assert.True(t, persisted.NextRetryAt.After(time.Now()))
}

func TestDisconnectToleratesProviderNotFound(t *testing.T) {
	cascaded := false
	repo := &MockRepo{
		DeleteCascadeFunc: func(ctx context.Context, id string) error {
			cascaded = true
			return nil
		},
	}
	api := &MockAPI{
		DeleteConnectionFunc: func(ctx context.Context, id string) error {
			return &provider.APIError{StatusCode: 404, Code: "ITEM_NOT_FOUND", Message: "gone"}
		},
	}

	svc := NewService(api, repo, zap.NewNop())
	err := svc.Disconnect(context.Background(), "item-1")

	require.NoError(t, err)
	assert.True(t, cascaded)
}

func TestSubmitMFARequiresWaitingState(t *testing.T) {
	repo := &MockRepo{
		GetByExternalIDFunc: func(ctx context.Context, id string) (*WithConnector, error) {
			return storedConnection(StatusUpdated), nil
		},
	}

	svc := NewService(&MockAPI{}, repo, zap.NewNop())
	_, err := svc.SubmitMFA(context.Background(), "item-1", "123456")
	assert.Error(t, err)
}
