// Package sqlite persists users and conversation history in a SQLite
// database, suitable for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatrelay/chatrelay/core"
)

// Options configures the SQLite store.
type Options struct {
	// MaxTurnsPerUser bounds the retained history per user; older turns are
	// dropped on append.
	MaxTurnsPerUser int
	// Clock supplies the current time, overridable in tests.
	Clock func() time.Time
}

// Store implements core.UserStore and core.HistoryStore on SQLite.
type Store struct {
	db   *sql.DB
	opts Options
}

var (
	_ core.UserStore    = (*Store)(nil)
	_ core.HistoryStore = (*Store)(nil)
)

// Open creates or opens a SQLite database at path and prepares the schema.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		MaxTurnsPerUser: 50,
		Clock:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency.
	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, opts: opts}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		registered INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		free_today INTEGER NOT NULL DEFAULT 0,
		last_free_reset INTEGER NOT NULL DEFAULT 0,
		sub_active INTEGER NOT NULL DEFAULT 0,
		sub_started INTEGER NOT NULL DEFAULT 0,
		sub_expires INTEGER NOT NULL DEFAULT 0,
		admin INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_active ON users(last_active);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `id, username, first_name, last_name, registered, last_active,
	free_today, last_free_reset, sub_active, sub_started, sub_expires, admin`

// Upsert creates the user on first contact and refreshes the profile and
// last-active timestamp afterwards.
func (s *Store) Upsert(ctx context.Context, u core.User) (core.User, error) {
	now := toUnix(s.opts.Clock())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, first_name, last_name, registered, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			last_active = excluded.last_active`,
		u.ID, u.Username, u.FirstName, u.LastName, now, now)
	if err != nil {
		return core.User{}, fmt.Errorf("upsert user: %w", err)
	}

	stored, err := s.Get(ctx, u.ID)
	if err != nil {
		return core.User{}, err
	}
	return *stored, nil
}

// Get returns the user or nil when unknown.
func (s *Store) Get(ctx context.Context, userID string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
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
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET free_today = ? WHERE id = ?`, remaining, userID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET free_today = ?, last_free_reset = ? WHERE id = ?`,
			remaining, toUnix(resetDate), userID)
	}
	if err != nil {
		return fmt.Errorf("set free quota: %w", err)
	}
	return nil
}

// RestoreFreeQuota gives one free request back.
func (s *Store) RestoreFreeQuota(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET free_today = free_today + 1 WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("restore free quota: %w", err)
	}
	return nil
}

// SetSubscription activates a subscription until expires.
func (s *Store) SetSubscription(ctx context.Context, userID string, expires time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET sub_active = 1, sub_started = ?, sub_expires = ? WHERE id = ?`,
		toUnix(s.opts.Clock()), toUnix(expires), userID); err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}

// ClearSubscription deactivates the subscription.
func (s *Store) ClearSubscription(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET sub_active = 0 WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}
	return nil
}

// SetAdmin toggles the privileged flag.
func (s *Store) SetAdmin(ctx context.Context, userID string, admin bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET admin = ? WHERE id = ?`, boolToInt(admin), userID); err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return nil
}

// Find matches users by exact id or case-insensitive name fragment.
func (s *Store) Find(ctx context.Context, query string) ([]core.User, error) {
	q := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id = ?
		   OR lower(username) LIKE ?
		   OR lower(first_name) LIKE ?
		   OR lower(last_name) LIKE ?
		ORDER BY id`,
		query, q, q, q)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	return collectUsers(rows)
}

// Subscribers lists users with a subscription valid right now.
func (s *Store) Subscribers(ctx context.Context) ([]core.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE sub_active = 1 AND sub_expires > ?
		ORDER BY id`,
		toUnix(s.opts.Clock()))
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return collectUsers(rows)
}

// AllIDs lists every known user id.
func (s *Store) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
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
	dayStart := toUnix(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()))
	weekAgo := toUnix(now.AddDate(0, 0, -7))
	nowUnix := toUnix(now)
	soon := toUnix(now.AddDate(0, 0, 3))

	var st core.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(last_active >= ?), 0),
			COALESCE(SUM(last_active >= ?), 0),
			COALESCE(SUM(registered >= ?), 0),
			COALESCE(SUM(registered >= ?), 0),
			COALESCE(SUM(sub_active = 1 AND sub_expires > ?), 0),
			COALESCE(SUM(sub_active = 1 AND sub_expires > ? AND sub_started >= ?), 0),
			COALESCE(SUM(sub_active = 1 AND sub_expires > ? AND sub_started >= ?), 0),
			COALESCE(SUM(sub_active = 1 AND sub_expires > ? AND sub_expires < ?), 0)
		FROM users`,
		dayStart, weekAgo, dayStart, weekAgo,
		nowUnix,
		nowUnix, dayStart,
		nowUnix, weekAgo,
		nowUnix, soon,
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
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, text, toUnix(s.opts.Clock())); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if n := s.opts.MaxTurnsPerUser; n > 0 {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM turns
			WHERE user_id = ? AND id NOT IN (
				SELECT id FROM turns WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`, userID, userID, n); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
	}
	return nil
}

// RecentTurns returns up to limit most recent turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]core.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM turns
		WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
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
	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Clear removes the whole history for a user.
func (s *Store) Clear(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (core.User, error) {
	var u core.User
	var registered, lastActive, lastReset, subStarted, subExpires int64
	var subActive, admin int
	err := row.Scan(
		&u.ID, &u.Username, &u.FirstName, &u.LastName, &registered, &lastActive,
		&u.FreeToday, &lastReset, &subActive, &subStarted, &subExpires, &admin,
	)
	if err != nil {
		return core.User{}, err
	}
	u.Registered = fromUnix(registered)
	u.LastActive = fromUnix(lastActive)
	u.LastFreeReset = fromUnix(lastReset)
	u.SubscriptionActive = subActive == 1
	u.SubscriptionStarted = fromUnix(subStarted)
	u.SubscriptionExpires = fromUnix(subExpires)
	u.Admin = admin == 1
	return u, nil
}

func collectUsers(rows *sql.Rows) ([]core.User, error) {
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

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
