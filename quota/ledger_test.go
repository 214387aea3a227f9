package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/store"
)

type fixture struct {
	store *store.InMemory
	led   *Ledger
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = store.NewInMemory(func(o *store.InMemoryOptions) { o.Clock = clock })
	f.led = NewLedger(f.store, func(o *Options) { o.Clock = clock })
	_, err := f.store.Upsert(context.Background(), core.User{ID: "42", FirstName: "Ada"})
	require.NoError(t, err)
	return f
}

func TestLedger_ConsumesDailyAllowance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < DefaultDailyAllowance; i++ {
		allowed, consumed, err := f.led.TryConsume(ctx, "42")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within the allowance", i+1)
		assert.True(t, consumed)
	}

	allowed, consumed, err := f.led.TryConsume(ctx, "42")
	require.NoError(t, err)
	assert.False(t, allowed, "allowance exhausted")
	assert.False(t, consumed)
}

func TestLedger_ResetsOnNewDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < DefaultDailyAllowance; i++ {
		_, _, err := f.led.TryConsume(ctx, "42")
		require.NoError(t, err)
	}
	allowed, _, _ := f.led.TryConsume(ctx, "42")
	require.False(t, allowed)

	f.now = f.now.AddDate(0, 0, 1)
	allowed, consumed, err := f.led.TryConsume(ctx, "42")
	require.NoError(t, err)
	assert.True(t, allowed, "new calendar day restores the allowance")
	assert.True(t, consumed)

	snap, err := f.led.Snapshot(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyAllowance-1, snap.Remaining)
}

func TestLedger_AdminBypassesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetAdmin(ctx, "42", true))

	for i := 0; i < DefaultDailyAllowance+3; i++ {
		allowed, consumed, err := f.led.TryConsume(ctx, "42")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.False(t, consumed, "privileged traffic is never debited")
	}
}

func TestLedger_SubscriberBypassesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSubscription(ctx, "42", f.now.AddDate(0, 1, 0)))

	allowed, consumed, err := f.led.TryConsume(ctx, "42")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.False(t, consumed)
}

func TestLedger_LapsedSubscriptionFallsBackToFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSubscription(ctx, "42", f.now.Add(time.Hour)))

	f.now = f.now.Add(2 * time.Hour)
	allowed, consumed, err := f.led.TryConsume(ctx, "42")
	require.NoError(t, err)
	assert.True(t, allowed, "free allowance serves after the subscription lapses")
	assert.True(t, consumed)

	u, err := f.store.Get(ctx, "42")
	require.NoError(t, err)
	assert.False(t, u.SubscriptionActive, "lapsed subscription is deactivated on first use")
}

func TestLedger_RestoreOneRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.led.TryConsume(ctx, "42")
	require.NoError(t, err)
	snap, _ := f.led.Snapshot(ctx, "42")
	require.Equal(t, DefaultDailyAllowance-1, snap.Remaining)

	require.NoError(t, f.led.RestoreOne(ctx, "42"))
	snap, _ = f.led.Snapshot(ctx, "42")
	assert.Equal(t, DefaultDailyAllowance, snap.Remaining)
}

func TestLedger_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.led.TryConsume(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestLedger_SnapshotReflectsPendingReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.led.TryConsume(ctx, "42")
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 1)
	snap, err := f.led.Snapshot(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyAllowance, snap.Remaining, "a day boundary shows the full allowance before any consumption")
	assert.False(t, snap.Unlimited)
}
