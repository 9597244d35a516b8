package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contia/internal/domain/connection"
	"contia/internal/domain/syncwindow"
	"contia/internal/shared/config"
)

type mockRepo struct {
	GetByExternalIDFunc     func(ctx context.Context, externalID string) (*connection.WithConnector, error)
	SetConsentFunc          func(ctx context.Context, externalID string, consent connection.ConsentRecord) error
	ListExpiringConsentFunc func(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error)
}

func (m *mockRepo) GetByExternalID(ctx context.Context, externalID string) (*connection.WithConnector, error) {
	if m.GetByExternalIDFunc != nil {
		return m.GetByExternalIDFunc(ctx, externalID)
	}
	return nil, connection.ErrNotFound
}
func (m *mockRepo) Create(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	return nil, nil
}
func (m *mockRepo) UpdateStatus(ctx context.Context, externalID string, update connection.StatusUpdate) error {
	return nil
}
func (m *mockRepo) SetLastSyncedAt(ctx context.Context, externalID string, t time.Time) error {
	return nil
}
func (m *mockRepo) SetConsent(ctx context.Context, externalID string, consent connection.ConsentRecord) error {
	if m.SetConsentFunc != nil {
		return m.SetConsentFunc(ctx, externalID, consent)
	}
	return nil
}
func (m *mockRepo) ListExpiringConsent(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error) {
	if m.ListExpiringConsentFunc != nil {
		return m.ListExpiringConsentFunc(ctx, deadline)
	}
	return nil, nil
}
func (m *mockRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*connection.WithConnector, error) {
	return nil, nil
}
func (m *mockRepo) DeleteCascade(ctx context.Context, externalID string) error { return nil }

type mockLifecycle struct {
	TriggerUpdateFunc func(ctx context.Context, externalID string, trigger syncwindow.Trigger) (*connection.TriggerResult, error)
	calls             int
}

func (m *mockLifecycle) TriggerUpdate(ctx context.Context, externalID string, trigger syncwindow.Trigger) (*connection.TriggerResult, error) {
	m.calls++
	if m.TriggerUpdateFunc != nil {
		return m.TriggerUpdateFunc(ctx, externalID, trigger)
	}
	return &connection.TriggerResult{Status: connection.StatusUpdated}, nil
}

type mockNotifier struct {
	notified []string
}

func (m *mockNotifier) NotifyConsentExpired(ctx context.Context, conn *connection.WithConnector) error {
	m.notified = append(m.notified, conn.ExternalID)
	return nil
}

func expiringConn(id string, expiresAt time.Time, attempts int) *connection.WithConnector {
	return &connection.WithConnector{
		Connection: connection.Connection{
			ExternalID: id,
			Status:     connection.StatusUpdated,
			Consent:    connection.ConsentRecord{ExpiresAt: &expiresAt, RenewalAttempts: attempts},
		},
		ConnectorOpenFinance: true,
	}
}

func sweepService(repo *mockRepo, lifecycle *mockLifecycle, notifier Notifier) *Service {
	cfg := config.ConsentConfig{RenewalThresholdDays: 7}
	return NewService(repo, lifecycle, notifier, cfg, zap.NewNop())
}

func TestSweepRenewsExpiringConsent(t *testing.T) {
	oldExpiry := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	newExpiry := oldExpiry.AddDate(0, 0, 90)
	var recorded *connection.ConsentRecord

	repo := &mockRepo{
		ListExpiringConsentFunc: func(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error) {
			return []*connection.WithConnector{expiringConn("item-1", oldExpiry, 2)}, nil
		},
		GetByExternalIDFunc: func(ctx context.Context, id string) (*connection.WithConnector, error) {
			return expiringConn(id, newExpiry, 2), nil
		},
		SetConsentFunc: func(ctx context.Context, id string, consent connection.ConsentRecord) error {
			recorded = &consent
			return nil
		},
	}
	lifecycle := &mockLifecycle{}
	notifier := &mockNotifier{}

	result, err := sweepService(repo, lifecycle, notifier).Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, 1, result.Renewed)
	assert.Equal(t, 1, lifecycle.calls)

	require.NotNil(t, recorded)
	assert.Equal(t, 0, recorded.RenewalAttempts, "a successful renewal resets the attempt counter")
	require.NotNil(t, recorded.LastOutcome)
	assert.Equal(t, OutcomeRenewed, *recorded.LastOutcome)

	// A renewal the user never has to act on stays silent.
	assert.Empty(t, notifier.notified)
}

func TestSweepNotifiesWhenConsentExpires(t *testing.T) {
	expiry := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	var recorded *connection.ConsentRecord

	repo := &mockRepo{
		ListExpiringConsentFunc: func(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error) {
			return []*connection.WithConnector{expiringConn("item-1", expiry, 0)}, nil
		},
		GetByExternalIDFunc: func(ctx context.Context, id string) (*connection.WithConnector, error) {
			conn := expiringConn(id, expiry, 0)
			conn.Status = connection.StatusConsentExpired
			return conn, nil
		},
		SetConsentFunc: func(ctx context.Context, id string, consent connection.ConsentRecord) error {
			recorded = &consent
			return nil
		},
	}
	lifecycle := &mockLifecycle{}
	notifier := &mockNotifier{}

	result, err := sweepService(repo, lifecycle, notifier).Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, []string{"item-1"}, notifier.notified)
	require.NotNil(t, recorded)
	require.NotNil(t, recorded.LastOutcome)
	assert.Equal(t, OutcomeExpired, *recorded.LastOutcome)
}

func TestSweepRecordsFailureAndContinues(t *testing.T) {
	expiry := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	attempts := map[string]int{}

	repo := &mockRepo{
		ListExpiringConsentFunc: func(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error) {
			return []*connection.WithConnector{
				expiringConn("item-broken", expiry, 1),
				expiringConn("item-ok", expiry, 0),
			}, nil
		},
		GetByExternalIDFunc: func(ctx context.Context, id string) (*connection.WithConnector, error) {
			return expiringConn(id, expiry.AddDate(0, 0, 90), 0), nil
		},
		SetConsentFunc: func(ctx context.Context, id string, consent connection.ConsentRecord) error {
			attempts[id] = consent.RenewalAttempts
			return nil
		},
	}
	lifecycle := &mockLifecycle{
		TriggerUpdateFunc: func(ctx context.Context, id string, trigger syncwindow.Trigger) (*connection.TriggerResult, error) {
			if id == "item-broken" {
				return nil, errors.New("provider unavailable")
			}
			return &connection.TriggerResult{Status: connection.StatusUpdated}, nil
		},
	}

	result, err := sweepService(repo, lifecycle, &mockNotifier{}).Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Renewed)
	assert.Equal(t, 2, attempts["item-broken"], "a failed renewal increments the attempt counter")
}

func TestSweepUsesConfiguredThreshold(t *testing.T) {
	var gotDeadline time.Time

	repo := &mockRepo{
		ListExpiringConsentFunc: func(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error) {
			gotDeadline = deadline
			return nil, nil
		},
	}

	svc := sweepService(repo, &mockLifecycle{}, nil)
	svc.now = func() time.Time { return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) }

	_, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), gotDeadline)
}
