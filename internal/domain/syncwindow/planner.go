// Package syncwindow computes the [from, to] date range for an incremental
// transaction pull.
//
// Providers may process a transaction hours to days after it happened and may
// backdate it. A pull that only looks at "since last sync" silently drops
// those records, so every window overlaps the previous one.
package syncwindow

import (
	"time"

	"contia/internal/shared/config"
)

// Trigger says how the sync was initiated.
type Trigger string

const (
	// TriggerAuto is a scheduled or webhook-driven sync.
	TriggerAuto Trigger = "auto"
	// TriggerManual is a user-forced sync; it uses a fixed safety window
	// regardless of the last sync time to recover from provider-side delay.
	TriggerManual Trigger = "manual"
)

// Window is the inclusive date range requested from the provider.
type Window struct {
	From time.Time
	To   time.Time
}

// Days returns the window length in whole days, rounded up.
func (w Window) Days() int {
	return int(w.To.Sub(w.From).Hours()/24 + 0.5)
}

// Input describes the connection history the plan depends on.
type Input struct {
	LastSyncedAt *time.Time // nil means first sync
	Trigger      Trigger
	OpenFinance  bool
	Sandbox      bool
	Now          time.Time // zero means time.Now()
}

// Planner derives pull windows from the configured policy.
type Planner struct {
	cfg config.SyncConfig
}

func NewPlanner(cfg config.SyncConfig) *Planner {
	return &Planner{cfg: cfg}
}

// Plan computes the pull window. The upper bound always extends one day past
// now to absorb timezone-boundary transactions.
func (p *Planner) Plan(in Input) Window {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	to := now.AddDate(0, 0, 1)

	// First sync: wide window bounded by provider data retention.
	if in.LastSyncedAt == nil {
		days := p.cfg.FirstSyncDays
		if in.OpenFinance || in.Sandbox {
			days = p.cfg.FirstSyncDaysOpenFinance
		}
		return Window{From: now.AddDate(0, 0, -days), To: to}
	}

	// Manual syncs get a fixed safety window regardless of recency.
	if in.Trigger == TriggerManual {
		return Window{From: now.AddDate(0, 0, -p.cfg.ManualWindowDays), To: to}
	}

	minDays := p.cfg.MinWindowDays
	if in.OpenFinance {
		minDays = p.cfg.MinWindowDaysOpenFinance
	}

	days := daysSince(*in.LastSyncedAt, now) + p.cfg.SafetyMarginDays
	if days < minDays {
		days = minDays
	}

	// Open Finance quotas are often monthly; cap the window so one catch-up
	// pull cannot burn the whole quota.
	if in.OpenFinance && p.cfg.MaxWindowDaysOpenFinance > 0 && days > p.cfg.MaxWindowDaysOpenFinance {
		days = p.cfg.MaxWindowDaysOpenFinance
	}

	return Window{From: now.AddDate(0, 0, -days), To: to}
}

func daysSince(t, now time.Time) int {
	d := int(now.Sub(t).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
