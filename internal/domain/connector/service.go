package connector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"contia/internal/infrastructure/provider"
)

// CatalogService refreshes the local connector catalog from the provider.
type CatalogService struct {
	client provider.API
	repo   Repository
	logger *zap.Logger
}

func NewCatalogService(client provider.API, repo Repository, logger *zap.Logger) *CatalogService {
	return &CatalogService{client: client, repo: repo, logger: logger}
}

// RefreshResult summarizes one catalog refresh.
type RefreshResult struct {
	Found  int
	Upsert int
	Errors []string
}

// Refresh pulls the full connector listing and upserts each template.
// Individual failures are collected, not fatal: a broken template must not
// block the rest of the catalog.
func (s *CatalogService) Refresh(ctx context.Context) (*RefreshResult, error) {
	connectors, err := s.client.ListConnectors(ctx, provider.ConnectorFilters{})
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}

	result := &RefreshResult{Found: len(connectors)}
	for _, c := range connectors {
		_, err := s.repo.Upsert(ctx, UpsertParams{
			ID:            c.ID,
			Name:          c.Name,
			Country:       c.Country,
			SupportsMFA:   c.SupportsMFA,
			IsOpenFinance: c.IsOpenFinance,
			IsSandbox:     c.IsSandbox,
			Products:      c.Products,
		})
		if err != nil {
			msg := fmt.Sprintf("failed to upsert connector %d: %v", c.ID, err)
			result.Errors = append(result.Errors, msg)
			s.logger.Warn("connector upsert failed", zap.Int64("connector_id", c.ID), zap.Error(err))
			continue
		}
		result.Upsert++
	}

	s.logger.Info("connector catalog refreshed",
		zap.Int("found", result.Found),
		zap.Int("upserted", result.Upsert),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}
