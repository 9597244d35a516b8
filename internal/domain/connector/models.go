// Package connector holds the provider institution templates.
package connector

import "time"

// Connector mirrors a provider institution template. Rows are immutable once
// synced from the provider and refreshed periodically by the catalog service.
type Connector struct {
	ID            int64
	Name          string
	Country       string
	SupportsMFA   bool
	IsOpenFinance bool
	IsSandbox     bool
	Products      []string
	SyncedAt      time.Time
}

// UpsertParams carries one connector template from the provider.
type UpsertParams struct {
	ID            int64
	Name          string
	Country       string
	SupportsMFA   bool
	IsOpenFinance bool
	IsSandbox     bool
	Products      []string
}
