package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/logging"
)

// DefaultDailyAllowance is the number of free requests per calendar day.
const DefaultDailyAllowance = 7

// Options configures a Ledger instance.
type Options struct {
	// DailyAllowance is the free-request budget restored each day.
	DailyAllowance int
	// Clock supplies the current time, overridable in tests.
	Clock func() time.Time
	Logger logging.Logger
}

// Ledger decides admission against the user store. It implements
// core.QuotaLedger.
type Ledger struct {
	store     core.UserStore
	allowance int
	clock     func() time.Time
	logger    logging.Logger
}

var _ core.QuotaLedger = (*Ledger)(nil)

// NewLedger creates a ledger backed by the given user store.
func NewLedger(store core.UserStore, optFns ...func(o *Options)) *Ledger {
	opts := Options{
		DailyAllowance: DefaultDailyAllowance,
		Clock:          time.Now,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Ledger{
		store:     store,
		allowance: opts.DailyAllowance,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// TryConsume admits or rejects one request for the user. The consumed flag
// is true only when a free unit was actually debited, so refunds after a
// cancellation never credit privileged or subscribed traffic.
func (l *Ledger) TryConsume(ctx context.Context, userID string) (bool, bool, error) {
	u, err := l.store.Get(ctx, userID)
	if err != nil {
		return false, false, fmt.Errorf("quota lookup: %w", err)
	}
	if u == nil {
		return false, false, fmt.Errorf("quota lookup: unknown user %s", userID)
	}

	now := l.clock()
	if u.Admin {
		return true, false, nil
	}
	if u.SubscriptionActive {
		if u.SubscriptionExpires.After(now) {
			return true, false, nil
		}
		// Lapsed subscription, deactivate on first use past expiry.
		if err := l.store.ClearSubscription(ctx, userID); err != nil {
			return false, false, fmt.Errorf("clear lapsed subscription: %w", err)
		}
		l.logger.Info("subscription lapsed", "user_id", userID, "expired", u.SubscriptionExpires)
	}

	remaining := u.FreeToday
	resetMark := time.Time{}
	if !sameDay(u.LastFreeReset, now) {
		remaining = l.allowance
		resetMark = now
	}
	if remaining <= 0 {
		if !resetMark.IsZero() {
			// Unreachable while the allowance is positive; keep the reset
			// anyway so the stored counter is fresh.
			if err := l.store.SetFreeQuota(ctx, userID, remaining, resetMark); err != nil {
				return false, false, fmt.Errorf("reset free quota: %w", err)
			}
		}
		return false, false, nil
	}

	if err := l.store.SetFreeQuota(ctx, userID, remaining-1, resetMark); err != nil {
		return false, false, fmt.Errorf("debit free quota: %w", err)
	}
	return true, true, nil
}

// RestoreOne refunds a single free unit after a cancelled generation.
func (l *Ledger) RestoreOne(ctx context.Context, userID string) error {
	if err := l.store.RestoreFreeQuota(ctx, userID); err != nil {
		return fmt.Errorf("restore free quota: %w", err)
	}
	l.logger.Debug("free quota restored", "user_id", userID)
	return nil
}

// Snapshot is a read-only view of one user's allowance for display.
type Snapshot struct {
	Remaining           int
	Allowance           int
	Subscribed          bool
	SubscriptionExpires time.Time
	Unlimited           bool // admins and subscribers
}

// Snapshot reports the user's current limits without mutating anything.
// Remaining already reflects the pending daily reset.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	u, err := l.store.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota lookup: %w", err)
	}
	if u == nil {
		return Snapshot{}, fmt.Errorf("quota lookup: unknown user %s", userID)
	}

	now := l.clock()
	s := Snapshot{
		Remaining:           u.FreeToday,
		Allowance:           l.allowance,
		Subscribed:          u.Subscribed(now),
		SubscriptionExpires: u.SubscriptionExpires,
		Unlimited:           u.Admin || u.Subscribed(now),
	}
	if !sameDay(u.LastFreeReset, now) {
		s.Remaining = l.allowance
	}
	return s, nil
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
