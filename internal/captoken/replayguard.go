package captoken

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// ReplayGuard records that a jti has been spent, atomically. InsertIfAbsent
// returns true if this call performed the insert (the token is fresh) and
// false if the jti was already present (a replay).
type ReplayGuard interface {
	InsertIfAbsent(jti string, expiresAt time.Time) (bool, error)
}

// MemoryReplayGuard is an in-process, non-durable ReplayGuard. It is the
// right choice for tests and for the single-process demo path; a
// multi-replica deployment needs PostgresReplayGuard so that replay
// protection holds across processes. This is the production/test swap
// point called out by the token durability question.
type MemoryReplayGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	sweep time.Duration
	last  time.Time
}

// NewMemoryReplayGuard builds a MemoryReplayGuard that periodically
// forgets entries past their expiry so the map does not grow without
// bound across a long-running process.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{
		seen:  make(map[string]time.Time),
		sweep: time.Minute,
	}
}

func (g *MemoryReplayGuard) InsertIfAbsent(jti string, expiresAt time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictLocked()

	if _, exists := g.seen[jti]; exists {
		return false, nil
	}
	g.seen[jti] = expiresAt
	return true, nil
}

func (g *MemoryReplayGuard) evictLocked() {
	now := time.Now().UTC()
	if now.Sub(g.last) < g.sweep {
		return
	}
	g.last = now
	for jti, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, jti)
		}
	}
}

// PostgresReplayGuard persists spent jtis to a Postgres table so that
// replay protection survives process restarts and holds across every
// replica issuing or verifying tokens for a tenant. Expired rows are
// reclaimed lazily by a caller-driven Sweep, not on every insert, to
// keep the hot path to a single round trip.
type PostgresReplayGuard struct {
	db *sql.DB
}

// NewPostgresReplayGuard wraps an already-open *sql.DB. The caller owns
// the connection's lifecycle; this type only issues statements against
// the replay_guard table created by EnsureSchema.
func NewPostgresReplayGuard(db *sql.DB) *PostgresReplayGuard {
	return &PostgresReplayGuard{db: db}
}

// EnsureSchema creates the replay_guard table if it does not exist.
func (g *PostgresReplayGuard) EnsureSchema(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS replay_guard (
		jti        TEXT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

func (g *PostgresReplayGuard) InsertIfAbsent(jti string, expiresAt time.Time) (bool, error) {
	res, err := g.db.Exec(
		`INSERT INTO replay_guard (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING`,
		jti, expiresAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Sweep deletes rows past their expiry. Intended to be called from a
// cron.Cron schedule (see internal/orchestrator wiring) rather than on
// every verification.
func (g *PostgresReplayGuard) Sweep(ctx context.Context) (int64, error) {
	res, err := g.db.ExecContext(ctx, `DELETE FROM replay_guard WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var errGuardUnavailable = errors.New("captoken: replay guard unavailable")
