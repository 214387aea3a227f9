package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/core"
)

// InMemoryOptions configures the in-memory store.
type InMemoryOptions struct {
	// MaxTurnsPerUser bounds the retained history per user; older turns are
	// dropped on append.
	MaxTurnsPerUser int
	// Clock supplies the current time, overridable in tests.
	Clock func() time.Time
}

// InMemory keeps users and history in process memory, guarded by a single
// mutex. It implements core.UserStore and core.HistoryStore.
type InMemory struct {
	mu      sync.Mutex
	users   map[string]core.User
	history map[string][]core.Turn
	opts    InMemoryOptions
}

var (
	_ core.UserStore    = (*InMemory)(nil)
	_ core.HistoryStore = (*InMemory)(nil)
)

// NewInMemory creates an empty in-memory store.
func NewInMemory(optFns ...func(o *InMemoryOptions)) *InMemory {
	opts := InMemoryOptions{
		MaxTurnsPerUser: 50,
		Clock:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemory{
		users:   make(map[string]core.User),
		history: make(map[string][]core.Turn),
		opts:    opts,
	}
}

// Upsert creates the user on first contact and refreshes the profile and
// last-active timestamp afterwards.
func (s *InMemory) Upsert(_ context.Context, u core.User) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock()
	cur, ok := s.users[u.ID]
	if !ok {
		cur = core.User{ID: u.ID, Registered: now}
	}
	cur.Username = u.Username
	cur.FirstName = u.FirstName
	cur.LastName = u.LastName
	cur.LastActive = now
	s.users[u.ID] = cur
	return cur, nil
}

// Get returns a copy of the user record or nil when unknown.
func (s *InMemory) Get(_ context.Context, userID string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// SetFreeQuota overwrites the remaining allowance, moving the reset marker
// when resetDate is non-zero.
func (s *InMemory) SetFreeQuota(_ context.Context, userID string, remaining int, resetDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.FreeToday = remaining
	if !resetDate.IsZero() {
		u.LastFreeReset = resetDate
	}
	s.users[userID] = u
	return nil
}

// RestoreFreeQuota gives one free request back.
func (s *InMemory) RestoreFreeQuota(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.FreeToday++
	s.users[userID] = u
	return nil
}

// SetSubscription activates a subscription until expires.
func (s *InMemory) SetSubscription(_ context.Context, userID string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.SubscriptionActive = true
	u.SubscriptionStarted = s.opts.Clock()
	u.SubscriptionExpires = expires
	s.users[userID] = u
	return nil
}

// ClearSubscription deactivates the subscription, keeping the historical
// start and expiry dates.
func (s *InMemory) ClearSubscription(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.SubscriptionActive = false
	s.users[userID] = u
	return nil
}

// SetAdmin toggles the privileged flag.
func (s *InMemory) SetAdmin(_ context.Context, userID string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.Admin = admin
	s.users[userID] = u
	return nil
}

// Find matches users by exact id or case-insensitive name fragment.
func (s *InMemory) Find(_ context.Context, query string) ([]core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []core.User
	for _, u := range s.users {
		if u.ID == query || (q != "" && matchesName(u, q)) {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

// Subscribers lists users with a subscription valid right now.
func (s *InMemory) Subscribers(_ context.Context) ([]core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock()
	var out []core.User
	for _, u := range s.users {
		if u.Subscribed(now) {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

// AllIDs lists every known user id.
func (s *InMemory) AllIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats computes the aggregate counters over all users.
func (s *InMemory) Stats(_ context.Context) (core.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock()
	weekAgo := now.AddDate(0, 0, -7)
	soon := now.AddDate(0, 0, 3)

	var st core.Stats
	st.TotalUsers = len(s.users)
	for _, u := range s.users {
		if sameDay(u.LastActive, now) {
			st.ActiveToday++
		}
		if u.LastActive.After(weekAgo) {
			st.ActiveWeek++
		}
		if sameDay(u.Registered, now) {
			st.NewToday++
		}
		if u.Registered.After(weekAgo) {
			st.NewWeek++
		}
		if u.Subscribed(now) {
			st.ActiveSubs++
			if sameDay(u.SubscriptionStarted, now) {
				st.NewSubsToday++
			}
			if u.SubscriptionStarted.After(weekAgo) {
				st.NewSubsWeek++
			}
			if u.SubscriptionExpires.Before(soon) {
				st.ExpiringSubs++
			}
		}
	}
	return st, nil
}

// AppendTurn stores one finalized conversation turn, trimming history past
// the retention bound.
func (s *InMemory) AppendTurn(_ context.Context, userID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.history[userID], core.NewTextTurn(role, text))
	if n := s.opts.MaxTurnsPerUser; n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	s.history[userID] = turns
	return nil
}

// RecentTurns returns up to limit most recent turns, oldest first.
func (s *InMemory) RecentTurns(_ context.Context, userID string, limit int) ([]core.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.history[userID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]core.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Clear removes the whole history for a user.
func (s *InMemory) Clear(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.history[userID]))
	delete(s.history, userID)
	return n, nil
}

func matchesName(u core.User, q string) bool {
	return strings.Contains(strings.ToLower(u.Username), q) ||
		strings.Contains(strings.ToLower(u.FirstName), q) ||
		strings.Contains(strings.ToLower(u.LastName), q)
}

func sortUsers(users []core.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
