// Package postgres persists users and conversation history in PostgreSQL,
// for multi-instance deployments sharing one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/chatrelay/core"
)

// Options configures the PostgreSQL store.
type Options struct {
	// MaxTurnsPerUser bounds the retained history per user; older turns are
	// dropped on append.
	MaxTurnsPerUser int
	// Clock supplies the current time, overridable in tests.
	Clock func() time.Time
}

// Store implements core.UserStore and core.HistoryStore on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	opts Options
}

var (
	_ core.UserStore    = (*Store)(nil)
	_ core.HistoryStore = (*Store)(nil)
)

// Open connects to the database at url and prepares the schema.
func Open(ctx context.Context, url string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		MaxTurnsPerUser: 50,
		Clock:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, opts: opts}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		registered TIMESTAMPTZ NOT NULL,
		last_active TIMESTAMPTZ NOT NULL,
		free_today INT NOT NULL DEFAULT 0,
		last_free_reset TIMESTAMPTZ,
		sub_active BOOLEAN NOT NULL DEFAULT FALSE,
		sub_started TIMESTAMPTZ,
		sub_expires TIMESTAMPTZ,
		admin BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_active ON users(last_active);

	CREATE TABLE IF NOT EXISTS turns (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, id);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const userColumns = `id, username, first_name, last_name, registered, last_active,
	free_today, last_free_reset, sub_active, sub_started, sub_expires, admin`

// Upsert creates the user on first contact and refreshes the profile and
// last-active timestamp afterwards.
func (s *Store) Upsert(ctx context.Context, u core.User) (core.User, error) {
	now := s.opts.Clock()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, first_name, last_name, registered, last_active)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			last_active = EXCLUDED.last_active
		RETURNING `+userColumns,
		u.ID, u.Username, u.FirstName, u.LastName, now)

	stored, err := scanUser(row)
	if err != nil {
		return core.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return stored, nil
}

// Get returns the user or nil when unknown.
func (s *Store) Get(ctx context.Context, userID string) (*core.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// SetFreeQuota overwrites the remaining allowance, moving the reset marker
// when resetDate is non-zero.
func (s *Store) SetFreeQuota(ctx context.Context, userID string, remaining int, resetDate time.Time) error {
	var err error
	if resetDate.IsZero() {
		_, err = s.pool.Exec(ctx,
			`UPDATE users SET free_today = $1 WHERE id = $2`, remaining, userID)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE users SET free_today = $1, last_free_reset = $2 WHERE id = $3`,
			remaining, resetDate, userID)
	}
	if err != nil {
		return fmt.Errorf("set free quota: %w", err)
	}
	return nil
}

// RestoreFreeQuota gives one free request back.
func (s *Store) RestoreFreeQuota(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE users SET free_today = free_today + 1 WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("restore free quota: %w", err)
	}
	return nil
}

// SetSubscription activates a subscription until expires.
func (s *Store) SetSubscription(ctx context.Context, userID string, expires time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE users SET sub_active = TRUE, sub_started = $1, sub_expires = $2 WHERE id = $3`,
		s.opts.Clock(), expires, userID); err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}

// ClearSubscription deactivates the subscription.
func (s *Store) ClearSubscription(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE users SET sub_active = FALSE WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}
	return nil
}

// SetAdmin toggles the privileged flag.
func (s *Store) SetAdmin(ctx context.Context, userID string, admin bool) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE users SET admin = $1 WHERE id = $2`, admin, userID); err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return nil
}

// Find matches users by exact id or case-insensitive name fragment.
func (s *Store) Find(ctx context.Context, query string) ([]core.User, error) {
	q := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id = $1
		   OR username ILIKE $2
		   OR first_name ILIKE $2
		   OR last_name ILIKE $2
		ORDER BY id`,
		query, q)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	return collectUsers(rows)
}

// Subscribers lists users with a subscription valid right now.
func (s *Store) Subscribers(ctx context.Context) ([]core.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE sub_active AND sub_expires > $1
		ORDER BY id`,
		s.opts.Clock())
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return collectUsers(rows)
}

// AllIDs lists every known user id.
func (s *Store) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats computes the aggregate counters over all users.
func (s *Store) Stats(ctx context.Context) (core.Stats, error) {
	now := s.opts.Clock()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := now.AddDate(0, 0, -7)
	soon := now.AddDate(0, 0, 3)

	var st core.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE last_active >= $1),
			COUNT(*) FILTER (WHERE last_active >= $2),
			COUNT(*) FILTER (WHERE registered >= $1),
			COUNT(*) FILTER (WHERE registered >= $2),
			COUNT(*) FILTER (WHERE sub_active AND sub_expires > $3),
			COUNT(*) FILTER (WHERE sub_active AND sub_expires > $3 AND sub_started >= $1),
			COUNT(*) FILTER (WHERE sub_active AND sub_expires > $3 AND sub_started >= $2),
			COUNT(*) FILTER (WHERE sub_active AND sub_expires > $3 AND sub_expires < $4)
		FROM users`,
		dayStart, weekAgo, now, soon,
	).Scan(
		&st.TotalUsers, &st.ActiveToday, &st.ActiveWeek, &st.NewToday, &st.NewWeek,
		&st.ActiveSubs, &st.NewSubsToday, &st.NewSubsWeek, &st.ExpiringSubs,
	)
	if err != nil {
		return core.Stats{}, fmt.Errorf("collect stats: %w", err)
	}
	return st, nil
}

// AppendTurn stores one finalized conversation turn and trims history past
// the retention bound.
func (s *Store) AppendTurn(ctx context.Context, userID, role, text string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO turns (user_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		userID, role, text, s.opts.Clock()); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if n := s.opts.MaxTurnsPerUser; n > 0 {
		if _, err := s.pool.Exec(ctx, `
			DELETE FROM turns
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM turns WHERE user_id = $1 ORDER BY id DESC LIMIT $2
			)`, userID, n); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
	}
	return nil
}

// RecentTurns returns up to limit most recent turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]core.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, content FROM turns
		WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var turns []core.Turn
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, core.NewTextTurn(role, content))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Clear removes the whole history for a user.
func (s *Store) Clear(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row) (core.User, error) {
	var u core.User
	var lastReset, subStarted, subExpires *time.Time
	err := row.Scan(
		&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Registered, &u.LastActive,
		&u.FreeToday, &lastReset, &u.SubscriptionActive, &subStarted, &subExpires, &u.Admin,
	)
	if err != nil {
		return core.User{}, err
	}
	if lastReset != nil {
		u.LastFreeReset = *lastReset
	}
	if subStarted != nil {
		u.SubscriptionStarted = *subStarted
	}
	if subExpires != nil {
		u.SubscriptionExpires = *subExpires
	}
	return u, nil
}

func collectUsers(rows pgx.Rows) ([]core.User, error) {
	defer rows.Close()
	var users []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
