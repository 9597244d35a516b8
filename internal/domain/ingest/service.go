// Package ingest pulls, deduplicates, categorizes, and persists transactions
// for a connection's accounts.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contia/internal/domain/account"
	"contia/internal/domain/connection"
	"contia/internal/domain/syncwindow"
	"contia/internal/domain/transaction"
	"contia/internal/infrastructure/provider"
	"contia/internal/shared/config"
)

// AccountResult reports ingestion for one account.
type AccountResult struct {
	AccountExternalID string
	Fetched           int
	Created           int
	Updated           int
	Skipped           int // malformed records, logged and dropped
	// Transient is set when pagination aborted on a page error; everything
	// committed before the failure is preserved.
	Transient bool
	Err       string
}

// Result reports one connection sync.
type Result struct {
	ConnectionID string
	Accounts     []*AccountResult
	Created      int
	Updated      int
}

// Service is the transaction ingester.
type Service struct {
	client    provider.API
	connRepo  connection.Repository
	acctRepo  account.Repository
	txRepo    transaction.Repository
	usageRepo transaction.UsageRepository
	ruleRepo  transaction.RuleRepository
	planner   *syncwindow.Planner
	cfg       config.SyncConfig
	locks     *keyedMutex
	// sem bounds concurrent connection syncs to respect provider rate limits.
	sem    chan struct{}
	logger *zap.Logger
	now    func() time.Time
}

func NewService(
	client provider.API,
	connRepo connection.Repository,
	acctRepo account.Repository,
	txRepo transaction.Repository,
	usageRepo transaction.UsageRepository,
	ruleRepo transaction.RuleRepository,
	planner *syncwindow.Planner,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *Service {
	workers := cfg.ConcurrentConnections
	if workers < 1 {
		workers = 1
	}
	return &Service{
		client:    client,
		connRepo:  connRepo,
		acctRepo:  acctRepo,
		txRepo:    txRepo,
		usageRepo: usageRepo,
		ruleRepo:  ruleRepo,
		planner:   planner,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		sem:       make(chan struct{}, workers),
		logger:    logger,
		now:       time.Now,
	}
}

var _ connection.Syncer = (*Service)(nil)

// SyncConnection ingests all accounts of a connection for the planned
// window. Work is serialized per connection and bounded across connections.
func (s *Service) SyncConnection(ctx context.Context, conn *connection.WithConnector, trigger syncwindow.Trigger) (*connection.SyncStats, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	unlock := s.locks.Lock(conn.ExternalID)
	defer unlock()

	result, err := s.syncLocked(ctx, conn, trigger)
	if err != nil {
		return nil, err
	}

	stats := &connection.SyncStats{
		Accounts: len(result.Accounts),
		Created:  result.Created,
		Updated:  result.Updated,
	}
	for _, acct := range result.Accounts {
		stats.Skipped += acct.Skipped
	}
	return stats, nil
}

func (s *Service) syncLocked(ctx context.Context, conn *connection.WithConnector, trigger syncwindow.Trigger) (*Result, error) {
	window := s.planner.Plan(syncwindow.Input{
		LastSyncedAt: conn.LastSyncedAt,
		Trigger:      trigger,
		OpenFinance:  conn.ConnectorOpenFinance,
		Sandbox:      conn.ConnectorSandbox,
		Now:          s.now(),
	})

	s.logger.Info("sync started",
		zap.String("connection", conn.ExternalID),
		zap.Time("from", window.From),
		zap.Time("to", window.To),
		zap.String("trigger", string(trigger)),
	)

	apiAccounts, err := s.client.ListAccounts(ctx, conn.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	rules, err := s.ruleRepo.ListByCompany(ctx, conn.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load category rules: %w", err)
	}

	result := &Result{ConnectionID: conn.ExternalID}
	hardFailure := false

	for i := range apiAccounts {
		apiAcct := &apiAccounts[i]
		if err := s.upsertAccount(ctx, conn.ExternalID, apiAcct); err != nil {
			s.logger.Error("account upsert failed",
				zap.String("account", apiAcct.ID), zap.Error(err))
			hardFailure = true
			continue
		}

		acctResult := s.IngestAccount(ctx, conn, apiAcct.ID, window, rules)
		result.Accounts = append(result.Accounts, acctResult)
		result.Created += acctResult.Created
		result.Updated += acctResult.Updated
	}

	// Fresh balance snapshot after ingestion; the listing fetched before
	// ingestion can predate transactions that just arrived.
	s.refreshBalances(ctx, conn.ExternalID)

	if !hardFailure {
		if err := s.connRepo.SetLastSyncedAt(ctx, conn.ExternalID, s.now()); err != nil {
			s.logger.Warn("failed to record sync time",
				zap.String("connection", conn.ExternalID), zap.Error(err))
		}
	}

	s.logger.Info("sync finished",
		zap.String("connection", conn.ExternalID),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
	)
	return result, nil
}

func (s *Service) upsertAccount(ctx context.Context, connectionID string, apiAcct *provider.Account) error {
	balance, err := apiAcct.GetBalance()
	if err != nil {
		return fmt.Errorf("failed to parse balance: %w", err)
	}

	params := account.UpsertParams{
		ExternalID:           apiAcct.ID,
		ConnectionExternalID: connectionID,
		Name:                 apiAcct.Name,
		Type:                 account.ParseType(apiAcct.Type),
		Currency:             apiAcct.CurrencyCode,
		Balance:              balance,
	}
	if apiAcct.Subtype != "" {
		params.Subtype = &apiAcct.Subtype
	}
	if cd := apiAcct.CreditData; cd != nil {
		params.CreditLimit = &cd.CreditLimit
		params.AvailableCreditLimit = &cd.AvailableCreditLimit
	}

	_, err = s.acctRepo.Upsert(ctx, params)
	return err
}

// IngestAccount paginates the provider's transactions for one account within
// the window. Each page commits as one atomic batch; a page fetch error
// aborts further pagination but keeps everything already committed, marking
// the account with a transient error instead of failing the whole sync.
func (s *Service) IngestAccount(
	ctx context.Context,
	conn *connection.WithConnector,
	accountExternalID string,
	window syncwindow.Window,
	rules []*transaction.CategoryRule,
) *AccountResult {
	result := &AccountResult{AccountExternalID: accountExternalID}

	pageDelay := s.cfg.PageDelay
	if conn.ConnectorOpenFinance {
		pageDelay = s.cfg.PageDelayOpenFinance
	}

	for page := 1; ; page++ {
		pageResp, err := s.client.ListTransactions(ctx, accountExternalID, window.From, window.To, page, s.cfg.PageSize)
		if err != nil {
			result.Transient = true
			result.Err = err.Error()
			msg := fmt.Sprintf("page %d fetch failed: %v", page, err)
			s.logger.Warn("pagination aborted",
				zap.String("account", accountExternalID),
				zap.Int("page", page),
				zap.Error(err),
			)
			if markErr := s.acctRepo.SetSyncError(ctx, accountExternalID, &msg); markErr != nil {
				s.logger.Error("failed to mark account sync error",
					zap.String("account", accountExternalID), zap.Error(markErr))
			}
			return result
		}

		if len(pageResp.Results) == 0 {
			break
		}
		result.Fetched += len(pageResp.Results)

		batch := s.buildBatch(ctx, accountExternalID, conn.CompanyID, pageResp.Results, rules, result)
		if len(batch) > 0 {
			batchResult, err := s.txRepo.UpsertBatch(ctx, batch)
			if err != nil {
				result.Transient = true
				result.Err = err.Error()
				msg := fmt.Sprintf("page %d persist failed: %v", page, err)
				if markErr := s.acctRepo.SetSyncError(ctx, accountExternalID, &msg); markErr != nil {
					s.logger.Error("failed to mark account sync error",
						zap.String("account", accountExternalID), zap.Error(markErr))
				}
				return result
			}
			result.Created += batchResult.Created
			result.Updated += batchResult.Updated
		}

		if pageResp.TotalPages > 0 && page >= pageResp.TotalPages {
			break
		}

		// Inter-page delay respects provider rate limits; longer for
		// regulated connectors.
		if pageDelay > 0 {
			select {
			case <-time.After(pageDelay):
			case <-ctx.Done():
				result.Transient = true
				result.Err = ctx.Err().Error()
				return result
			}
		}
	}

	if err := s.acctRepo.SetSyncError(ctx, accountExternalID, nil); err != nil {
		s.logger.Warn("failed to clear account sync error",
			zap.String("account", accountExternalID), zap.Error(err))
	}

	s.recountUsage(ctx, accountExternalID, window)
	return result
}

// buildBatch maps raw provider records to upsert params. Malformed records
// are skipped and logged; ingestion continues.
func (s *Service) buildBatch(
	ctx context.Context,
	accountExternalID string,
	companyID int64,
	raw []provider.Transaction,
	rules []*transaction.CategoryRule,
	result *AccountResult,
) []transaction.UpsertParams {
	batch := make([]transaction.UpsertParams, 0, len(raw))

	for i := range raw {
		apiTx := &raw[i]
		if apiTx.ID == "" {
			result.Skipped++
			s.logger.Warn("skipping transaction without external id",
				zap.String("account", accountExternalID))
			continue
		}

		amount, err := apiTx.GetAmount()
		if err != nil {
			result.Skipped++
			s.logger.Warn("skipping malformed transaction",
				zap.String("transaction", apiTx.ID), zap.Error(err))
			continue
		}
		occurredAt, err := apiTx.GetDate()
		if err != nil || occurredAt == nil {
			result.Skipped++
			s.logger.Warn("skipping transaction without valid date",
				zap.String("transaction", apiTx.ID), zap.Error(err))
			continue
		}

		existing, err := s.txRepo.GetByExternalID(ctx, accountExternalID, apiTx.ID)
		if err != nil {
			result.Skipped++
			s.logger.Warn("skipping transaction, lookup failed",
				zap.String("transaction", apiTx.ID), zap.Error(err))
			continue
		}

		batch = append(batch, transaction.UpsertParams{
			ExternalID:        apiTx.ID,
			AccountExternalID: accountExternalID,
			Amount:            amount,
			Currency:          apiTx.CurrencyCode,
			Type:              apiTx.Type,
			Status:            apiTx.Status,
			Description:       apiTx.Description,
			OccurredAt:        *occurredAt,
			ProviderCategory:  transaction.TranslateProviderCategory(apiTx.CategoryCode, apiTx.Category),
			CategoryID:        transaction.ResolveCategory(existing, apiTx.Description, rules),
		})
	}
	return batch
}

func (s *Service) refreshBalances(ctx context.Context, connectionID string) {
	apiAccounts, err := s.client.ListAccounts(ctx, connectionID)
	if err != nil {
		s.logger.Warn("balance refresh failed",
			zap.String("connection", connectionID), zap.Error(err))
		return
	}
	for i := range apiAccounts {
		balance, err := apiAccounts[i].GetBalance()
		if err != nil {
			continue
		}
		if err := s.acctRepo.UpdateBalance(ctx, apiAccounts[i].ID, balance); err != nil {
			s.logger.Warn("balance update failed",
				zap.String("account", apiAccounts[i].ID), zap.Error(err))
		}
	}
}

// recountUsage recomputes derived counters from persisted rows for every
// month the window touches.
func (s *Service) recountUsage(ctx context.Context, accountExternalID string, window syncwindow.Window) {
	month := time.Date(window.From.Year(), window.From.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(window.To.Year(), window.To.Month(), 1, 0, 0, 0, 0, time.UTC)

	for !month.After(end) {
		count, err := s.txRepo.CountByAccountMonth(ctx, accountExternalID, month)
		if err != nil {
			s.logger.Warn("usage recount failed",
				zap.String("account", accountExternalID),
				zap.Time("month", month), zap.Error(err))
		} else if err := s.usageRepo.SetMonthlyCount(ctx, accountExternalID, month, count); err != nil {
			s.logger.Warn("usage persist failed",
				zap.String("account", accountExternalID),
				zap.Time("month", month), zap.Error(err))
		}
		month = month.AddDate(0, 1, 0)
	}
}
