package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/logging"
)

// Options configures the admin service.
type Options struct {
	// SendInterval paces broadcast deliveries to stay under channel rate
	// limits.
	SendInterval time.Duration
	// Clock supplies the current time, overridable in tests.
	Clock  func() time.Time
	Logger logging.Logger
}

// Service exposes the operator commands on top of the user store and the
// output channel.
type Service struct {
	users   core.UserStore
	channel core.Channel
	opts    Options
}

// NewService creates an admin service.
func NewService(users core.UserStore, channel core.Channel, optFns ...func(o *Options)) *Service {
	opts := Options{
		SendInterval: 50 * time.Millisecond,
		Clock:        time.Now,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Service{users: users, channel: channel, opts: opts}
}

// Stats returns the aggregate usage counters.
func (s *Service) Stats(ctx context.Context) (core.Stats, error) {
	return s.users.Stats(ctx)
}

// Report renders the usage counters as a readable text block.
func (s *Service) Report(ctx context.Context) (string, error) {
	st, err := s.users.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("collect stats: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Users: %d total\n", st.TotalUsers)
	fmt.Fprintf(&b, "Active: %d today, %d this week\n", st.ActiveToday, st.ActiveWeek)
	fmt.Fprintf(&b, "New: %d today, %d this week\n", st.NewToday, st.NewWeek)
	fmt.Fprintf(&b, "Subscriptions: %d active, %d new today, %d new this week\n",
		st.ActiveSubs, st.NewSubsToday, st.NewSubsWeek)
	fmt.Fprintf(&b, "Expiring soon: %d", st.ExpiringSubs)
	return b.String(), nil
}

// GrantSubscription activates or extends a subscription by the given number
// of days. An active subscription is extended from its current expiry, a
// lapsed or missing one starts from now.
func (s *Service) GrantSubscription(ctx context.Context, userID string, days int) (core.User, error) {
	if days <= 0 {
		return core.User{}, fmt.Errorf("grant subscription: days must be positive, got %d", days)
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return core.User{}, fmt.Errorf("grant subscription: %w", err)
	}
	if u == nil {
		return core.User{}, fmt.Errorf("grant subscription: unknown user %s", userID)
	}

	now := s.opts.Clock()
	base := now
	if u.Subscribed(now) {
		base = u.SubscriptionExpires
	}
	expires := base.AddDate(0, 0, days)
	if err := s.users.SetSubscription(ctx, userID, expires); err != nil {
		return core.User{}, fmt.Errorf("grant subscription: %w", err)
	}
	s.opts.Logger.Info("subscription granted", "user_id", userID, "days", days, "expires", expires)

	out, err := s.users.Get(ctx, userID)
	if err != nil {
		return core.User{}, fmt.Errorf("grant subscription: %w", err)
	}
	return *out, nil
}

// RevokeSubscription deactivates the user's subscription immediately.
func (s *Service) RevokeSubscription(ctx context.Context, userID string) error {
	if err := s.users.ClearSubscription(ctx, userID); err != nil {
		return fmt.Errorf("revoke subscription: %w", err)
	}
	s.opts.Logger.Info("subscription revoked", "user_id", userID)
	return nil
}

// SetAdmin grants or revokes operator privileges.
func (s *Service) SetAdmin(ctx context.Context, userID string, admin bool) error {
	if err := s.users.SetAdmin(ctx, userID, admin); err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	s.opts.Logger.Info("admin flag changed", "user_id", userID, "admin", admin)
	return nil
}

// FindUsers matches users by id or name fragment.
func (s *Service) FindUsers(ctx context.Context, query string) ([]core.User, error) {
	return s.users.Find(ctx, query)
}

// ListSubscribers returns users with a currently valid subscription.
func (s *Service) ListSubscribers(ctx context.Context) ([]core.User, error) {
	return s.users.Subscribers(ctx)
}

// BroadcastResult summarizes one broadcast fan-out.
type BroadcastResult struct {
	Sent   int
	Failed int
}

// Broadcast delivers a notice to every known user, pacing sends by the
// configured interval. Individual failures are counted, not fatal; a
// cancelled context stops the fan-out early.
func (s *Service) Broadcast(ctx context.Context, text string) (BroadcastResult, error) {
	ids, err := s.users.AllIDs(ctx)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("broadcast: %w", err)
	}

	var res BroadcastResult
	for i, id := range ids {
		if i > 0 && s.opts.SendInterval > 0 {
			timer := time.NewTimer(s.opts.SendInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
		}
		if err := s.channel.Notify(ctx, id, text); err != nil {
			res.Failed++
			s.opts.Logger.Warn("broadcast delivery failed", "user_id", id, "error", err)
			continue
		}
		res.Sent++
	}
	s.opts.Logger.Info("broadcast finished", "sent", res.Sent, "failed", res.Failed)
	return res, nil
}
