package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/core"
)

// ErrBusy rejects an admission while the user already has a live generation.
var ErrBusy = errors.New("a generation is already in flight for this user")

// Generation is the per-user in-flight generation handle. It is exclusively
// owned by the task running the generation; the Registry only keeps the
// mapping and the cancel function.
type Generation struct {
	UserID  string
	ID      string
	Started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	consumed bool
}

// Context returns the generation-scoped context. It is cancelled when the
// user requests cancellation through the registry.
func (g *Generation) Context() context.Context { return g.ctx }

// MarkConsumed records that a quota unit was debited for this generation.
func (g *Generation) MarkConsumed() {
	g.mu.Lock()
	g.consumed = true
	g.mu.Unlock()
}

// Consumed reports whether a quota unit was debited for this generation.
func (g *Generation) Consumed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumed
}

// Registry maps user identities to their single active generation. All
// methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Generation
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Generation)}
}

// Admit registers a new generation for the user. It fails with ErrBusy when
// one is already live; the check and the insert are a single atomic step.
// The returned generation's context derives from ctx.
func (r *Registry) Admit(ctx context.Context, userID string) (*Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[userID]; ok {
		return nil, ErrBusy
	}
	genCtx, cancel := context.WithCancel(ctx)
	g := &Generation{
		UserID:  userID,
		ID:      core.NewID(),
		Started: time.Now(),
		ctx:     genCtx,
		cancel:  cancel,
	}
	r.active[userID] = g
	return g, nil
}

// Lookup returns the live generation for the user, if any.
func (r *Registry) Lookup(userID string) (*Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.active[userID]
	return g, ok
}

// Cancel signals the user's live generation and removes it from the
// registry, returning the handle so the caller can settle side effects
// (quota restoration). Cancelling an absent or already-finished generation
// returns nil; popping the entry here makes double-cancellation a no-op.
// The signalled task observes the cancellation at its next suspension point
// and finishes its cleanup independently.
func (r *Registry) Cancel(userID string) *Generation {
	r.mu.Lock()
	g, ok := r.active[userID]
	if ok {
		delete(r.active, userID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	g.cancel()
	return g
}

// Release frees the user's slot when the generation ends on its own. It is
// idempotent and tolerates a slot already popped by Cancel: only the exact
// generation passed in is removed. The generation's context is cancelled to
// release its resources on every exit path.
func (r *Registry) Release(g *Generation) {
	if g == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.active[g.UserID]; ok && cur == g {
		delete(r.active, g.UserID)
	}
	r.mu.Unlock()
	g.cancel()
}

// Len reports the number of live generations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
