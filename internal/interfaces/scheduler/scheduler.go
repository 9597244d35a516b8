// Package scheduler runs the periodic maintenance sweeps.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"contia/internal/domain/connection"
	"contia/internal/domain/connector"
	"contia/internal/domain/consent"
	"contia/internal/domain/syncwindow"
	"contia/internal/shared/config"
)

// Scheduler wires the cron jobs: consent renewal, stale-connection re-sync,
// and connector catalog refresh.
type Scheduler struct {
	cron      *cron.Cron
	repo      connection.Repository
	lifecycle *connection.Service
	consent   *consent.Service
	catalog   *connector.CatalogService
	syncCfg   config.SyncConfig
	schedCfg  config.SchedulerConfig
	logger    *zap.Logger
}

func New(
	repo connection.Repository,
	lifecycle *connection.Service,
	consentSvc *consent.Service,
	catalog *connector.CatalogService,
	syncCfg config.SyncConfig,
	schedCfg config.SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		cron:      c,
		repo:      repo,
		lifecycle: lifecycle,
		consent:   consentSvc,
		catalog:   catalog,
		syncCfg:   syncCfg,
		schedCfg:  schedCfg,
		logger:    logger,
	}
}

func (s *Scheduler) Start() {
	s.add(s.schedCfg.ConsentSweepCron, "consent sweep", s.runConsentSweep)
	s.add(s.schedCfg.StaleSweepCron, "stale connection sweep", s.runStaleSweep)
	s.add(s.schedCfg.ConnectorSyncCron, "connector catalog refresh", s.runCatalogRefresh)
	s.cron.Start()
}

func (s *Scheduler) add(spec, name string, fn func()) {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.logger.Error("failed to schedule job",
			zap.String("job", name), zap.String("spec", spec), zap.Error(err))
		return
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("spec", spec))
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runConsentSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if _, err := s.consent.Sweep(ctx); err != nil {
		s.logger.Error("consent sweep failed", zap.Error(err))
	}
}

// runStaleSweep re-syncs healthy connections whose data has gone stale.
// Rate-limited connections carry a next_retry_at in the future and are
// excluded by the repository query.
func (s *Scheduler) runStaleSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.syncCfg.StaleAfter)
	stale, err := s.repo.ListStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale sweep listing failed", zap.Error(err))
		return
	}

	triggered := 0
	for _, conn := range stale {
		if _, err := s.lifecycle.TriggerUpdate(ctx, conn.ExternalID, syncwindow.TriggerAuto); err != nil {
			s.logger.Warn("stale re-sync failed",
				zap.String("connection", conn.ExternalID), zap.Error(err))
			continue
		}
		triggered++
	}

	s.logger.Info("stale sweep finished",
		zap.Int("stale", len(stale)), zap.Int("triggered", triggered))
}

func (s *Scheduler) runCatalogRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Error("connector catalog refresh failed", zap.Error(err))
	}
}
