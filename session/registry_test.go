package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SingleFlight(t *testing.T) {
	r := NewRegistry()

	g1, err := r.Admit(context.Background(), "u1")
	require.NoError(t, err)

	_, err = r.Admit(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrBusy)

	// A different user is unaffected.
	g2, err := r.Admit(context.Background(), "u2")
	require.NoError(t, err)
	r.Release(g2)

	// After release a new admission succeeds.
	r.Release(g1)
	g3, err := r.Admit(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEqual(t, g1.ID, g3.ID)
}

func TestRegistry_CancelSignalsContext(t *testing.T) {
	r := NewRegistry()
	g, err := r.Admit(context.Background(), "u1")
	require.NoError(t, err)

	got := r.Cancel("u1")
	require.Same(t, g, got)

	select {
	case <-g.Context().Done():
	default:
		t.Fatal("expected generation context to be cancelled")
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CancelAbsentIsNoOp(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Cancel("nobody"))

	g, err := r.Admit(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, r.Cancel("u1"))

	// Double cancellation finds nothing.
	assert.Nil(t, r.Cancel("u1"))
	_ = g
}

func TestRegistry_ReleaseToleratesCancelledSlot(t *testing.T) {
	r := NewRegistry()
	g, err := r.Admit(context.Background(), "u1")
	require.NoError(t, err)

	r.Cancel("u1")
	r.Release(g) // deferred cleanup of the cancelled task

	// The slot stays free for a fresh generation.
	g2, err := r.Admit(context.Background(), "u1")
	require.NoError(t, err)

	// Releasing the stale handle again must not evict the new one.
	r.Release(g)
	_, ok := r.Lookup("u1")
	assert.True(t, ok)
	r.Release(g2)
}

func TestGeneration_ConsumedFlag(t *testing.T) {
	r := NewRegistry()
	g, err := r.Admit(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, g.Consumed())
	g.MarkConsumed()
	assert.True(t, g.Consumed())
	r.Release(g)
}
