package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contia/internal/domain/account"
	"contia/internal/domain/connection"
	"contia/internal/domain/syncwindow"
	"contia/internal/domain/transaction"
	"contia/internal/infrastructure/provider"
	"contia/internal/shared/config"
)

type mockAPI struct {
	ListAccountsFunc     func(ctx context.Context, connectionID string) ([]provider.Account, error)
	ListTransactionsFunc func(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error)
}

func (m *mockAPI) Authenticate(ctx context.Context) (string, error) { return "token", nil }
func (m *mockAPI) ListConnectors(ctx context.Context, filters provider.ConnectorFilters) ([]provider.Connector, error) {
	return nil, nil
}
func (m *mockAPI) CreateConnection(ctx context.Context, connectorID int64, credentials map[string]string) (*provider.Connection, error) {
	return nil, nil
}
func (m *mockAPI) GetConnection(ctx context.Context, id string) (*provider.Connection, error) {
	return nil, nil
}
func (m *mockAPI) UpdateConnection(ctx context.Context, id string, credentials map[string]string) (*provider.Connection, error) {
	return nil, nil
}
func (m *mockAPI) DeleteConnection(ctx context.Context, id string) error { return nil }
func (m *mockAPI) SendMFA(ctx context.Context, id, value string) (*provider.Connection, error) {
	return nil, nil
}
func (m *mockAPI) ListAccounts(ctx context.Context, connectionID string) ([]provider.Account, error) {
	if m.ListAccountsFunc != nil {
		return m.ListAccountsFunc(ctx, connectionID)
	}
	return nil, nil
}
func (m *mockAPI) ListTransactions(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
	if m.ListTransactionsFunc != nil {
		return m.ListTransactionsFunc(ctx, accountID, from, to, page, pageSize)
	}
	return &provider.TransactionPage{}, nil
}

type mockConnRepo struct {
	SetLastSyncedAtFunc func(ctx context.Context, externalID string, t time.Time) error
}

func (m *mockConnRepo) GetByExternalID(ctx context.Context, externalID string) (*connection.WithConnector, error) {
	return nil, connection.ErrNotFound
}
func (m *mockConnRepo) Create(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	return nil, nil
}
func (m *mockConnRepo) UpdateStatus(ctx context.Context, externalID string, update connection.StatusUpdate) error {
	return nil
}
func (m *mockConnRepo) SetLastSyncedAt(ctx context.Context, externalID string, t time.Time) error {
	if m.SetLastSyncedAtFunc != nil {
		return m.SetLastSyncedAtFunc(ctx, externalID, t)
	}
	return nil
}
func (m *mockConnRepo) SetConsent(ctx context.Context, externalID string, consent connection.ConsentRecord) error {
	return nil
}
func (m *mockConnRepo) ListExpiringConsent(ctx context.Context, deadline time.Time) ([]*connection.WithConnector, error) {
	return nil, nil
}
func (m *mockConnRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*connection.WithConnector, error) {
	return nil, nil
}
func (m *mockConnRepo) DeleteCascade(ctx context.Context, externalID string) error { return nil }

type mockAcctRepo struct {
	UpsertFunc        func(ctx context.Context, params account.UpsertParams) (*account.Account, error)
	UpdateBalanceFunc func(ctx context.Context, externalID string, balance float64) error
	SetSyncErrorFunc  func(ctx context.Context, externalID string, message *string) error
}

func (m *mockAcctRepo) GetByExternalID(ctx context.Context, externalID string) (*account.Account, error) {
	return nil, nil
}
func (m *mockAcctRepo) ListByConnection(ctx context.Context, connectionExternalID string) ([]*account.Account, error) {
	return nil, nil
}
func (m *mockAcctRepo) Upsert(ctx context.Context, params account.UpsertParams) (*account.Account, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, params)
	}
	return &account.Account{ExternalID: params.ExternalID}, nil
}
func (m *mockAcctRepo) UpdateBalance(ctx context.Context, externalID string, balance float64) error {
	if m.UpdateBalanceFunc != nil {
		return m.UpdateBalanceFunc(ctx, externalID, balance)
	}
	return nil
}
func (m *mockAcctRepo) SetSyncError(ctx context.Context, externalID string, message *string) error {
	if m.SetSyncErrorFunc != nil {
		return m.SetSyncErrorFunc(ctx, externalID, message)
	}
	return nil
}

type mockTxRepo struct {
	GetByExternalIDFunc     func(ctx context.Context, accountExternalID, externalID string) (*transaction.Transaction, error)
	UpsertBatchFunc         func(ctx context.Context, batch []transaction.UpsertParams) (*transaction.BatchResult, error)
	CountByAccountMonthFunc func(ctx context.Context, accountExternalID string, month time.Time) (int64, error)
}

func (m *mockTxRepo) GetByExternalID(ctx context.Context, accountExternalID, externalID string) (*transaction.Transaction, error) {
	if m.GetByExternalIDFunc != nil {
		return m.GetByExternalIDFunc(ctx, accountExternalID, externalID)
	}
	return nil, nil
}
func (m *mockTxRepo) UpsertBatch(ctx context.Context, batch []transaction.UpsertParams) (*transaction.BatchResult, error) {
	if m.UpsertBatchFunc != nil {
		return m.UpsertBatchFunc(ctx, batch)
	}
	return &transaction.BatchResult{Created: len(batch)}, nil
}
func (m *mockTxRepo) ListByAccount(ctx context.Context, accountExternalID string, limit, offset int) ([]*transaction.Transaction, error) {
	return nil, nil
}
func (m *mockTxRepo) CountByAccountMonth(ctx context.Context, accountExternalID string, month time.Time) (int64, error) {
	if m.CountByAccountMonthFunc != nil {
		return m.CountByAccountMonthFunc(ctx, accountExternalID, month)
	}
	return 0, nil
}

type mockUsageRepo struct {
	SetMonthlyCountFunc func(ctx context.Context, accountExternalID string, month time.Time, count int64) error
}

func (m *mockUsageRepo) SetMonthlyCount(ctx context.Context, accountExternalID string, month time.Time, count int64) error {
	if m.SetMonthlyCountFunc != nil {
		return m.SetMonthlyCountFunc(ctx, accountExternalID, month, count)
	}
	return nil
}

type mockRuleRepo struct {
	rules []*transaction.CategoryRule
}

func (m *mockRuleRepo) ListByCompany(ctx context.Context, companyID int64) ([]*transaction.CategoryRule, error) {
	return m.rules, nil
}

func syncTestConfig() config.SyncConfig {
	return config.SyncConfig{
		FirstSyncDays:            90,
		FirstSyncDaysOpenFinance: 365,
		ManualWindowDays:         30,
		MinWindowDays:            7,
		MinWindowDaysOpenFinance: 3,
		MaxWindowDaysOpenFinance: 30,
		SafetyMarginDays:         3,
		PageSize:                 100,
		ConcurrentConnections:    2,
	}
}

type ingestMocks struct {
	api       *mockAPI
	connRepo  *mockConnRepo
	acctRepo  *mockAcctRepo
	txRepo    *mockTxRepo
	usageRepo *mockUsageRepo
	ruleRepo  *mockRuleRepo
}

func newTestService(t *testing.T, m *ingestMocks) *Service {
	t.Helper()
	cfg := syncTestConfig()
	svc := NewService(m.api, m.connRepo, m.acctRepo, m.txRepo, m.usageRepo, m.ruleRepo,
		syncwindow.NewPlanner(cfg), cfg, zap.NewNop())
	return svc
}

func testConn() *connection.WithConnector {
	return &connection.WithConnector{
		Connection: connection.Connection{ExternalID: "item-1", CompanyID: 7, Status: connection.StatusUpdated},
	}
}

func apiTx(id, amount, date string) provider.Transaction {
	return provider.Transaction{
		ID:           id,
		AccountID:    "acct-1",
		Description:  "COFFEE SHOP",
		AmountString: amount,
		CurrencyCode: "BRL",
		DateString:   date,
		Type:         "DEBIT",
		Status:       "POSTED",
	}
}

func TestSyncConnectionPaginatesAndRecordsSyncTime(t *testing.T) {
	var batches [][]transaction.UpsertParams
	var syncedAt *time.Time
	listAccountCalls := 0

	m := &ingestMocks{
		api: &mockAPI{
			ListAccountsFunc: func(ctx context.Context, id string) ([]provider.Account, error) {
				listAccountCalls++
				return []provider.Account{{ID: "acct-1", Name: "Checking", Type: "BANK", CurrencyCode: "BRL", BalanceString: "120.50"}}, nil
			},
			ListTransactionsFunc: func(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
				switch page {
				case 1:
					return &provider.TransactionPage{
						Results:    []provider.Transaction{apiTx("tx-1", "-12.00", "2026-08-10 09:00:00"), apiTx("tx-2", "-8.50", "2026-08-11 10:00:00")},
						Page:       1,
						TotalPages: 2,
					}, nil
				case 2:
					return &provider.TransactionPage{
						Results:    []provider.Transaction{apiTx("tx-3", "-3.25", "2026-08-12 11:00:00")},
						Page:       2,
						TotalPages: 2,
					}, nil
				default:
					t.Fatalf("unexpected page %d", page)
					return nil, nil
				}
			},
		},
		connRepo: &mockConnRepo{
			SetLastSyncedAtFunc: func(ctx context.Context, id string, ts time.Time) error {
				syncedAt = &ts
				return nil
			},
		},
		acctRepo: &mockAcctRepo{},
		txRepo: &mockTxRepo{
			UpsertBatchFunc: func(ctx context.Context, batch []transaction.UpsertParams) (*transaction.BatchResult, error) {
				batches = append(batches, batch)
				return &transaction.BatchResult{Created: len(batch)}, nil
			},
		},
		usageRepo: &mockUsageRepo{},
		ruleRepo:  &mockRuleRepo{},
	}

	svc := newTestService(t, m)
	stats, err := svc.SyncConnection(context.Background(), testConn(), syncwindow.TriggerManual)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Accounts)
	assert.Equal(t, 3, stats.Created)
	assert.Equal(t, 0, stats.Skipped)

	// One batch per page, each committed as it arrives.
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
	assert.Equal(t, "tx-1", batches[0][0].ExternalID)
	assert.Equal(t, "acct-1", batches[0][0].AccountExternalID)

	require.NotNil(t, syncedAt)
	// Listed once for ingestion, once for the post-sync balance refresh.
	assert.Equal(t, 2, listAccountCalls)
}

func TestSyncConnectionSkipsMalformedRecords(t *testing.T) {
	var batch []transaction.UpsertParams

	m := &ingestMocks{
		api: &mockAPI{
			ListAccountsFunc: func(ctx context.Context, id string) ([]provider.Account, error) {
				return []provider.Account{{ID: "acct-1", Type: "BANK", BalanceString: "0"}}, nil
			},
			ListTransactionsFunc: func(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
				if page > 1 {
					return &provider.TransactionPage{}, nil
				}
				// A record without an id, one with an unparseable amount,
				// one with an unparseable date, and one valid record.
				return &provider.TransactionPage{
					Results: []provider.Transaction{
						apiTx("", "-1.00", "2026-08-10 09:00:00"),
						apiTx("tx-bad-amt", "abc", "2026-08-10 09:00:00"),
						apiTx("tx-bad-date", "-1.00", "not a date"),
						apiTx("tx-ok", "-1.00", "2026-08-10 09:00:00"),
					},
					Page: 1,
				}, nil
			},
		},
		connRepo: &mockConnRepo{},
		acctRepo: &mockAcctRepo{},
		txRepo: &mockTxRepo{
			UpsertBatchFunc: func(ctx context.Context, b []transaction.UpsertParams) (*transaction.BatchResult, error) {
				batch = b
				return &transaction.BatchResult{Created: len(b)}, nil
			},
		},
		usageRepo: &mockUsageRepo{},
		ruleRepo:  &mockRuleRepo{},
	}

	svc := newTestService(t, m)
	stats, err := svc.SyncConnection(context.Background(), testConn(), syncwindow.TriggerManual)

	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, 1, stats.Created)
	require.Len(t, batch, 1)
	assert.Equal(t, "tx-ok", batch[0].ExternalID)
}

func TestIngestAccountPageErrorKeepsCommittedPages(t *testing.T) {
	var batches int
	var markedErr *string

	m := &ingestMocks{
		api: &mockAPI{
			ListTransactionsFunc: func(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
				if page == 1 {
					return &provider.TransactionPage{
						Results:    []provider.Transaction{apiTx("tx-1", "-1.00", "2026-08-10 09:00:00")},
						Page:       1,
						TotalPages: 3,
					}, nil
				}
				return nil, errors.New("gateway timeout")
			},
		},
		connRepo: &mockConnRepo{},
		acctRepo: &mockAcctRepo{
			SetSyncErrorFunc: func(ctx context.Context, id string, message *string) error {
				markedErr = message
				return nil
			},
		},
		txRepo: &mockTxRepo{
			UpsertBatchFunc: func(ctx context.Context, b []transaction.UpsertParams) (*transaction.BatchResult, error) {
				batches++
				return &transaction.BatchResult{Created: len(b)}, nil
			},
		},
		usageRepo: &mockUsageRepo{},
		ruleRepo:  &mockRuleRepo{},
	}

	svc := newTestService(t, m)
	window := syncwindow.Window{From: time.Now().AddDate(0, 0, -7), To: time.Now()}
	result := svc.IngestAccount(context.Background(), testConn(), "acct-1", window, nil)

	assert.True(t, result.Transient)
	assert.Equal(t, 1, result.Created, "page 1 stays committed")
	assert.Equal(t, 1, batches)
	require.NotNil(t, markedErr)
	assert.Contains(t, *markedErr, "page 2")
}

func TestIngestAccountClearsSyncErrorOnSuccess(t *testing.T) {
	var clearCalls []*string

	m := &ingestMocks{
		api: &mockAPI{
			ListTransactionsFunc: func(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
				return &provider.TransactionPage{}, nil
			},
		},
		connRepo: &mockConnRepo{},
		acctRepo: &mockAcctRepo{
			SetSyncErrorFunc: func(ctx context.Context, id string, message *string) error {
				clearCalls = append(clearCalls, message)
				return nil
			},
		},
		txRepo:    &mockTxRepo{},
		usageRepo: &mockUsageRepo{},
		ruleRepo:  &mockRuleRepo{},
	}

	svc := newTestService(t, m)
	window := syncwindow.Window{From: time.Now().AddDate(0, 0, -7), To: time.Now()}
	result := svc.IngestAccount(context.Background(), testConn(), "acct-1", window, nil)

	assert.False(t, result.Transient)
	require.Len(t, clearCalls, 1)
	assert.Nil(t, clearCalls[0])
}

func TestSyncConnectionSkipsLastSyncedOnAccountFailure(t *testing.T) {
	syncTimeRecorded := false

	m := &ingestMocks{
		api: &mockAPI{
			ListAccountsFunc: func(ctx context.Context, id string) ([]provider.Account, error) {
				return []provider.Account{{ID: "acct-1", Type: "BANK", BalanceString: "not a number"}}, nil
			},
		},
		connRepo: &mockConnRepo{
			SetLastSyncedAtFunc: func(ctx context.Context, id string, ts time.Time) error {
				syncTimeRecorded = true
				return nil
			},
		},
		acctRepo:  &mockAcctRepo{},
		txRepo:    &mockTxRepo{},
		usageRepo: &mockUsageRepo{},
		ruleRepo:  &mockRuleRepo{},
	}

	svc := newTestService(t, m)
	stats, err := svc.SyncConnection(context.Background(), testConn(), syncwindow.TriggerManual)

	require.NoError(t, err)
	assert.Equal(t, 0, stats.Accounts)
	assert.False(t, syncTimeRecorded, "a failed account must keep the window open for the next sync")
}

func TestSyncConnectionRecountsUsagePerMonth(t *testing.T) {
	counts := map[string]int64{}

	m := &ingestMocks{
		api: &mockAPI{
			ListAccountsFunc: func(ctx context.Context, id string) ([]provider.Account, error) {
				return []provider.Account{{ID: "acct-1", Type: "BANK", BalanceString: "0"}}, nil
			},
			ListTransactionsFunc: func(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
				return &provider.TransactionPage{}, nil
			},
		},
		connRepo: &mockConnRepo{},
		acctRepo: &mockAcctRepo{},
		txRepo: &mockTxRepo{
			CountByAccountMonthFunc: func(ctx context.Context, id string, month time.Time) (int64, error) {
				return 42, nil
			},
		},
		usageRepo: &mockUsageRepo{
			SetMonthlyCountFunc: func(ctx context.Context, id string, month time.Time, count int64) error {
				counts[month.Format("2006-01")] = count
				return nil
			},
		},
		ruleRepo: &mockRuleRepo{},
	}

	svc := newTestService(t, m)
	svc.now = func() time.Time { return time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC) }

	// A 30-day manual window from Aug 20 reaches back into July.
	_, err := svc.SyncConnection(context.Background(), testConn(), syncwindow.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int64(42), counts["2026-07"])
	assert.Equal(t, int64(42), counts["2026-08"])
}

func TestSyncConnectionReplayIsIdempotent(t *testing.T) {
	// Stateful fake with the same conflict semantics as the real upsert:
	// keyed by (account, external id), category applied on insert only.
	store := map[string]*transaction.Transaction{}
	userCategory := int64(99)

	page := &provider.TransactionPage{
		Results: []provider.Transaction{
			apiTx("tx-1", "-12.00", "2026-08-10 09:00:00"),
			apiTx("tx-2", "-8.50", "2026-08-11 10:00:00"),
			apiTx("tx-3", "-3.25", "2026-08-12 11:00:00"),
		},
		Page:       1,
		TotalPages: 1,
	}

	m := &ingestMocks{
		api: &mockAPI{
			ListAccountsFunc: func(ctx context.Context, id string) ([]provider.Account, error) {
				return []provider.Account{{ID: "acct-1", Type: "BANK", BalanceString: "0"}}, nil
			},
			ListTransactionsFunc: func(ctx context.Context, accountID string, from, to time.Time, p, pageSize int) (*provider.TransactionPage, error) {
				if p > 1 {
					return &provider.TransactionPage{}, nil
				}
				return page, nil
			},
		},
		connRepo: &mockConnRepo{},
		acctRepo: &mockAcctRepo{},
		txRepo: &mockTxRepo{
			GetByExternalIDFunc: func(ctx context.Context, acctID, extID string) (*transaction.Transaction, error) {
				return store[acctID+"/"+extID], nil
			},
			UpsertBatchFunc: func(ctx context.Context, batch []transaction.UpsertParams) (*transaction.BatchResult, error) {
				res := &transaction.BatchResult{}
				for i := range batch {
					p := &batch[i]
					key := p.AccountExternalID + "/" + p.ExternalID
					if existing, ok := store[key]; ok {
						res.Updated++
						existing.Status = p.Status
						existing.Description = p.Description
					} else {
						res.Created++
						store[key] = &transaction.Transaction{
							ExternalID:        p.ExternalID,
							AccountExternalID: p.AccountExternalID,
							Amount:            p.Amount,
							Status:            p.Status,
							Description:       p.Description,
							CategoryID:        p.CategoryID,
						}
					}
				}
				return res, nil
			},
		},
		usageRepo: &mockUsageRepo{},
		ruleRepo:  &mockRuleRepo{},
	}

	svc := newTestService(t, m)

	first, err := svc.SyncConnection(context.Background(), testConn(), syncwindow.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 0, first.Updated)

	// User categorizes a transaction between the two syncs.
	store["acct-1/tx-2"].CategoryID = &userCategory

	second, err := svc.SyncConnection(context.Background(), testConn(), syncwindow.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created, "a replayed page must not create rows")
	assert.Equal(t, 3, second.Updated)

	assert.Len(t, store, 3)
	require.NotNil(t, store["acct-1/tx-2"].CategoryID)
	assert.Equal(t, userCategory, *store["acct-1/tx-2"].CategoryID, "re-ingestion must keep the user's category")
}

func TestSyncConnectionAppliesCategoryRulesToNewTransactions(t *testing.T) {
	var batch []transaction.UpsertParams
	userCategory := int64(99)

	m := &ingestMocks{
		api: &mockAPI{
			ListAccountsFunc: func(ctx context.Context, id string) ([]provider.Account, error) {
				return []provider.Account{{ID: "acct-1", Type: "BANK", BalanceString: "0"}}, nil
			},
			ListTransactionsFunc: func(ctx context.Context, accountID string, from, to time.Time, page, pageSize int) (*provider.TransactionPage, error) {
				if page > 1 {
					return &provider.TransactionPage{}, nil
				}
				return &provider.TransactionPage{
					Results: []provider.Transaction{
						apiTx("tx-new", "-5.00", "2026-08-10 09:00:00"),
						apiTx("tx-seen", "-5.00", "2026-08-10 09:00:00"),
					},
					Page: 1,
				}, nil
			},
		},
		connRepo: &mockConnRepo{},
		acctRepo: &mockAcctRepo{},
		txRepo: &mockTxRepo{
			GetByExternalIDFunc: func(ctx context.Context, acctID, extID string) (*transaction.Transaction, error) {
				if extID == "tx-seen" {
					return &transaction.Transaction{ExternalID: extID, CategoryID: &userCategory}, nil
				}
				return nil, nil
			},
			UpsertBatchFunc: func(ctx context.Context, b []transaction.UpsertParams) (*transaction.BatchResult, error) {
				batch = b
				return &transaction.BatchResult{Created: 1, Updated: 1}, nil
			},
		},
		usageRepo: &mockUsageRepo{},
		ruleRepo: &mockRuleRepo{
			rules: []*transaction.CategoryRule{
				{ID: 1, CompanyID: 7, Pattern: "coffee", Match: transaction.MatchContains, CategoryID: 12},
			},
		},
	}

	svc := newTestService(t, m)
	_, err := svc.SyncConnection(context.Background(), testConn(), syncwindow.TriggerManual)
	require.NoError(t, err)

	require.Len(t, batch, 2)
	require.NotNil(t, batch[0].CategoryID)
	assert.Equal(t, int64(12), *batch[0].CategoryID, "a matching rule categorizes new transactions")
	require.NotNil(t, batch[1].CategoryID)
	assert.Equal(t, userCategory, *batch[1].CategoryID, "an existing user assignment always wins")
}
