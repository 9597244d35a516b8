// Package classify maps provider error codes to recovery actions.
package classify

import (
	"time"
)

// ActionKind is the recovery strategy for a provider error.
type ActionKind string

const (
	RetryImmediately  ActionKind = "retry_immediately"
	RetryWithBackoff  ActionKind = "retry_with_backoff"
	RequireUserAction ActionKind = "require_user_action"
	RenewConsent      ActionKind = "renew_consent"
	Skip              ActionKind = "skip"
	AlertOperator     ActionKind = "alert_operator"
)

// Action is the tagged recovery decision. Delay is set only for
// RetryWithBackoff.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

// Context carries what the mapping needs beyond the code itself.
type Context struct {
	// OpenFinance marks a regulated connector whose rate quota is monthly:
	// a rate-limited connection may need to wait until the next calendar
	// month rather than a fixed cooldown.
	OpenFinance bool
	// RetryAfter is the provider-supplied cooldown in seconds, when present.
	RetryAfter int
	// Now is the classification instant; zero means time.Now().
	Now time.Time
}

const defaultBackoff = 15 * time.Minute

// Classify is a pure mapping from a provider error code to a recovery action.
// Unknown codes are never dropped silently: they alert an operator with the
// full payload logged by the caller.
func Classify(code string, payload map[string]any, cctx Context) Action {
	now := cctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	switch code {
	case "INVALID_CREDENTIALS", "INVALID_CREDENTIALS_MFA", "USER_AUTHORIZATION_NOT_GRANTED",
		"USER_INPUT_TIMEOUT", "ACCOUNT_LOCKED", "ACCOUNT_NEEDS_ACTION":
		return Action{Kind: RequireUserAction}

	case "CONSENT_EXPIRED", "CONSENT_REVOKED", "EXPIRED_CONSENT":
		return Action{Kind: RenewConsent}

	case "RATE_LIMIT_EXCEEDED", "TOO_MANY_REQUESTS", "HTTP_423", "HTTP_429":
		return Action{Kind: RetryWithBackoff, Delay: rateLimitDelay(cctx, now)}

	case "SITE_NOT_AVAILABLE", "CONNECTION_ERROR", "PROVIDER_TIMEOUT",
		"HTTP_500", "HTTP_502", "HTTP_503", "HTTP_504":
		return Action{Kind: RetryImmediately}

	case "ALREADY_LOGGED_IN":
		// Institution session conflict clears on its own.
		return Action{Kind: RetryWithBackoff, Delay: defaultBackoff}

	case "PRODUCT_NOT_SUPPORTED", "ACCOUNT_CLOSED":
		return Action{Kind: Skip}

	case "INVALID_PARAMETERS", "UNEXPECTED_ERROR":
		return Action{Kind: AlertOperator}

	default:
		return Action{Kind: AlertOperator}
	}
}

// rateLimitDelay prefers the provider-supplied retry-after. Without one,
// Open Finance quotas reset on calendar-month boundaries, so the wait runs
// to the first of the next month; direct connectors use a fixed cooldown.
func rateLimitDelay(cctx Context, now time.Time) time.Duration {
	if cctx.RetryAfter > 0 {
		return time.Duration(cctx.RetryAfter) * time.Second
	}
	if cctx.OpenFinance {
		nextMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
		return nextMonth.Sub(now)
	}
	return time.Hour
}
