package core

import (
	"context"
	"time"
)

// User is the persisted record for one channel identity.
type User struct {
	ID                  string    `json:"id"`
	Username            string    `json:"username,omitempty"`
	FirstName           string    `json:"first_name"`
	LastName            string    `json:"last_name,omitempty"`
	Registered          time.Time `json:"registered"`
	LastActive          time.Time `json:"last_active"`
	FreeToday           int       `json:"free_today"`
	LastFreeReset       time.Time `json:"last_free_reset"`
	SubscriptionActive  bool      `json:"subscription_active"`
	SubscriptionStarted time.Time `json:"subscription_started,omitempty"`
	SubscriptionExpires time.Time `json:"subscription_expires,omitempty"`
	Admin               bool      `json:"admin"`
}

// Subscribed reports whether the user holds a subscription valid at now.
func (u User) Subscribed(now time.Time) bool {
	return u.SubscriptionActive && u.SubscriptionExpires.After(now)
}

// Stats aggregates user and subscription counters for admin reporting.
type Stats struct {
	TotalUsers   int `json:"total_users"`
	ActiveToday  int `json:"active_today"`
	ActiveWeek   int `json:"active_week"`
	NewToday     int `json:"new_today"`
	NewWeek      int `json:"new_week"`
	ActiveSubs   int `json:"active_subs"`
	NewSubsToday int `json:"new_subs_today"`
	NewSubsWeek  int `json:"new_subs_week"`
	ExpiringSubs int `json:"expiring_subs"`
}

// HistoryStore persists conversation turns per user. Implementations are
// responsible for retention trimming beyond the recent window they serve.
type HistoryStore interface {
	// AppendTurn stores one finalized turn (role "user" or "assistant").
	AppendTurn(ctx context.Context, userID, role, text string) error

	// RecentTurns returns up to limit most recent turns, oldest first.
	RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error)

	// Clear removes the whole history for a user and returns the number of
	// deleted turns.
	Clear(ctx context.Context, userID string) (int64, error)
}

// UserStore persists user records, quota fields and subscription state.
type UserStore interface {
	// Upsert creates the user on first contact and refreshes profile fields
	// and the last-active timestamp on every later call. Returns the stored
	// record.
	Upsert(ctx context.Context, u User) (User, error)

	// Get returns the user or nil when unknown.
	Get(ctx context.Context, userID string) (*User, error)

	// SetFreeQuota overwrites the remaining free allowance; a non-zero
	// resetDate also moves the daily reset marker.
	SetFreeQuota(ctx context.Context, userID string, remaining int, resetDate time.Time) error

	// RestoreFreeQuota gives one free request back (cancellation refund).
	RestoreFreeQuota(ctx context.Context, userID string) error

	// SetSubscription activates a subscription until expires.
	SetSubscription(ctx context.Context, userID string, expires time.Time) error

	// ClearSubscription deactivates an expired or revoked subscription.
	ClearSubscription(ctx context.Context, userID string) error

	// SetAdmin toggles the privileged flag.
	SetAdmin(ctx context.Context, userID string, admin bool) error

	// Find matches users by id or name fragment.
	Find(ctx context.Context, query string) ([]User, error)

	// Subscribers lists users with a currently valid subscription.
	Subscribers(ctx context.Context) ([]User, error)

	// AllIDs lists every known user id (broadcast fan-out).
	AllIDs(ctx context.Context) ([]string, error)

	// Stats computes aggregate counters.
	Stats(ctx context.Context) (Stats, error)
}
