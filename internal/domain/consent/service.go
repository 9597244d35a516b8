// Package consent renews regulatory consent for Open Finance connections
// before it expires.
package consent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contia/internal/domain/connection"
	"contia/internal/domain/syncwindow"
	"contia/internal/shared/config"
)

const (
	OutcomeRenewed = "RENEWED"
	OutcomeFailed  = "RENEWAL_FAILED"
	OutcomeExpired = "EXPIRED"
)

// Notifier delivers a consent-expiry notice to the connection's owner.
// Delivery itself is owned by the surrounding platform; implementations
// typically publish to the message queue.
type Notifier interface {
	NotifyConsentExpired(ctx context.Context, conn *connection.WithConnector) error
}

// Lifecycle is the slice of the connection service the sweep needs.
type Lifecycle interface {
	TriggerUpdate(ctx context.Context, externalID string, trigger syncwindow.Trigger) (*connection.TriggerResult, error)
}

// SweepResult reports one renewal sweep.
type SweepResult struct {
	Examined int
	Renewed  int
	Failed   int
	Expired  int
}

// Service runs the periodic consent renewal sweep.
type Service struct {
	repo      connection.Repository
	lifecycle Lifecycle
	notifier  Notifier
	cfg       config.ConsentConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(repo connection.Repository, lifecycle Lifecycle, notifier Notifier, cfg config.ConsentConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		lifecycle: lifecycle,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNotifier wires the expiry notifier after construction.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Sweep renews every connection whose consent expires within the configured
// threshold. Connections further out are left alone. Errors on individual
// connections do not stop the sweep.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	deadline := s.now().AddDate(0, 0, s.cfg.RenewalThresholdDays)
	expiring, err := s.repo.ListExpiringConsent(ctx, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring consents: %w", err)
	}

	result := &SweepResult{}
	for _, conn := range expiring {
		result.Examined++
		switch s.renewOne(ctx, conn) {
		case OutcomeRenewed:
			result.Renewed++
		case OutcomeExpired:
			result.Expired++
		default:
			result.Failed++
		}
	}

	s.logger.Info("consent sweep finished",
		zap.Int("examined", result.Examined),
		zap.Int("renewed", result.Renewed),
		zap.Int("failed", result.Failed),
		zap.Int("expired", result.Expired),
	)
	return result, nil
}

func (s *Service) renewOne(ctx context.Context, conn *connection.WithConnector) string {
	previousExpiry := conn.Consent.ExpiresAt
	attempts := conn.Consent.RenewalAttempts + 1

	_, err := s.lifecycle.TriggerUpdate(ctx, conn.ExternalID, syncwindow.TriggerAuto)
	if err != nil {
		outcome := OutcomeFailed
		s.logger.Warn("consent renewal failed",
			zap.String("connection", conn.ExternalID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		s.recordOutcome(ctx, conn, attempts, outcome)
		return outcome
	}

	refreshed, err := s.repo.GetByExternalID(ctx, conn.ExternalID)
	if err != nil {
		s.logger.Warn("consent renewal state unknown",
			zap.String("connection", conn.ExternalID), zap.Error(err))
		s.recordOutcome(ctx, conn, attempts, OutcomeFailed)
		return OutcomeFailed
	}

	// The lifecycle already moved the connection to CONSENT_EXPIRED when the
	// provider reported the consent revoked or expired. That is the only
	// case the owner has to act on, so it is the only one notified.
	if refreshed.Status == connection.StatusConsentExpired {
		if s.notifier != nil {
			if nerr := s.notifier.NotifyConsentExpired(ctx, refreshed); nerr != nil {
				s.logger.Error("consent expiry notification failed",
					zap.String("connection", conn.ExternalID), zap.Error(nerr))
			}
		}
		s.recordOutcome(ctx, refreshed, attempts, OutcomeExpired)
		return OutcomeExpired
	}

	if extended(previousExpiry, refreshed.Consent.ExpiresAt) {
		outcome := OutcomeRenewed
		refreshed.Consent.RenewalAttempts = 0
		refreshed.Consent.LastOutcome = &outcome
		if err := s.repo.SetConsent(ctx, refreshed.ExternalID, refreshed.Consent); err != nil {
			s.logger.Warn("failed to record consent renewal",
				zap.String("connection", conn.ExternalID), zap.Error(err))
		}
		s.logger.Info("consent renewed",
			zap.String("connection", conn.ExternalID),
			zap.Timep("expires_at", refreshed.Consent.ExpiresAt),
		)
		return OutcomeRenewed
	}

	// The provider accepted the update but has not issued a new expiry yet.
	// The next sweep will pick the connection up again.
	s.recordOutcome(ctx, refreshed, attempts, OutcomeFailed)
	return OutcomeFailed
}

func (s *Service) recordOutcome(ctx context.Context, conn *connection.WithConnector, attempts int, outcome string) {
	consent := conn.Consent
	consent.RenewalAttempts = attempts
	consent.LastOutcome = &outcome
	if err := s.repo.SetConsent(ctx, conn.ExternalID, consent); err != nil {
		s.logger.Warn("failed to record consent outcome",
			zap.String("connection", conn.ExternalID), zap.Error(err))
	}
}

func extended(previous, current *time.Time) bool {
	if current == nil {
		return false
	}
	if previous == nil {
		return true
	}
	return current.After(*previous)
}
