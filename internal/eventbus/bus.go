package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxDeliverAttempts bounds how many times a consumer group retries
// delivering one envelope before it is routed to that subject's
// dead-letter queue.
const MaxDeliverAttempts = 5

// Bus is an in-memory pub/sub fan-out, the same non-blocking,
// drop-for-slow-subscriber design the fleet event bus uses, extended
// here with an optional durable backing Store so subscribers can also
// replay from a known position instead of only seeing events published
// while they happened to be connected.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	bufferSize  int
	store       *Store
	source      string
}

type subscription struct {
	ch      chan Envelope
	subject string // "" subscribes to all subjects
}

// NewBus builds a Bus. store may be nil for a purely in-memory bus
// (tests); source is the CloudEvents "source" attribute stamped on
// every envelope this bus publishes.
func NewBus(bufferSize int, store *Store, source string) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*subscription),
		bufferSize:  bufferSize,
		store:       store,
		source:      source,
	}
}

// Publish assigns the envelope an id and per-subject sequence number,
// persists it if a Store is attached, and fans it out to subscribers.
// Fan-out is non-blocking: a slow subscriber drops the live copy but can
// still catch up later via Replay against the durable Store.
func (b *Bus) Publish(ctx context.Context, env Envelope) (Envelope, error) {
	if env.SpecVersion == "" {
		env.SpecVersion = "1.0"
	}
	if env.Source == "" {
		env.Source = b.source
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Time.IsZero() {
		env.Time = time.Now().UTC()
	}

	if b.store != nil {
		seq, err := b.store.Append(ctx, env)
		if err != nil {
			return Envelope{}, fmt.Errorf("eventbus: persist: %w", err)
		}
		env.sequence = seq
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.subject != "" && sub.subject != env.Subject {
			continue
		}
		select {
		case sub.ch <- env:
		default:
		}
	}

	return env, nil
}

// Subscribe returns a channel receiving events for subject ("" for
// every subject). Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id, subject string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, b.bufferSize)
	b.subscribers[id] = &subscription{ch: ch, subject: subject}
	return ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Store persists published envelopes for replay, retention, and
// dead-lettering, modeled on the audit package's SQLite-backed store:
// an append-only table plus cursor-based pagination, generalized here
// to database/sql so Postgres or MySQL both work.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the events and dead-letter tables if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id            VARCHAR(64) PRIMARY KEY,
			subject       VARCHAR(128) NOT NULL,
			sequence      BIGINT NOT NULL,
			event_type    VARCHAR(128) NOT NULL,
			tenant_id     VARCHAR(128),
			envelope_json TEXT NOT NULL,
			published_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_dead_letters (
			id            VARCHAR(64) PRIMARY KEY,
			subject       VARCHAR(128) NOT NULL,
			consumer_group VARCHAR(128) NOT NULL,
			envelope_json TEXT NOT NULL,
			attempts      INT NOT NULL,
			failed_at     TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_delivery_cursors (
			consumer_group VARCHAR(128) NOT NULL,
			subject        VARCHAR(128) NOT NULL,
			last_sequence  BIGINT NOT NULL,
			PRIMARY KEY (consumer_group, subject)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("eventbus: ensure schema: %w", err)
		}
	}
	return nil
}

// Append persists env and returns its per-subject sequence number,
// computed as one more than the highest sequence already recorded for
// that subject — single-writer-per-run in the orchestrator keeps this
// race-free without needing a sequence table.
func (s *Store) Append(ctx context.Context, env Envelope) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE subject = ?`, env.Subject).Scan(&maxSeq)
	if err != nil {
		return 0, err
	}
	seq := maxSeq.Int64 + 1

	raw, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO events (id, subject, sequence, event_type, tenant_id, envelope_json, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Subject, seq, env.Type, env.TenantID, string(raw), env.Time)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Replay returns every persisted envelope for subject with sequence
// greater than fromSequence, in order — how a reconnecting consumer
// group catches up on what it missed while disconnected.
func (s *Store) Replay(ctx context.Context, subject string, fromSequence int64) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT envelope_json, sequence FROM events
		WHERE subject = ? AND sequence > ? ORDER BY sequence ASC`, subject, fromSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var raw string
		var seq int64
		if err := rows.Scan(&raw, &seq); err != nil {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		env.sequence = seq
		out = append(out, env)
	}
	return out, rows.Err()
}

// RecordDeadLetter moves an envelope that exceeded MaxDeliverAttempts
// into the subject's dead-letter table for the given consumer group.
func (s *Store) RecordDeadLetter(ctx context.Context, consumerGroup string, env Envelope, attempts int) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO event_dead_letters (id, subject, consumer_group, envelope_json, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), env.Subject, consumerGroup, string(raw), attempts, time.Now().UTC())
	return err
}

// AdvanceCursor records the last sequence a consumer group has
// successfully acknowledged for subject.
func (s *Store) AdvanceCursor(ctx context.Context, consumerGroup, subject string, sequence int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO event_delivery_cursors (consumer_group, subject, last_sequence)
		VALUES (?, ?, ?)
		ON CONFLICT (consumer_group, subject) DO UPDATE SET last_sequence = excluded.last_sequence`,
		consumerGroup, subject, sequence)
	return err
}

// Cursor returns the last acknowledged sequence for a consumer group on
// a subject, or 0 if the group has never acknowledged anything there.
func (s *Store) Cursor(ctx context.Context, consumerGroup, subject string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_sequence FROM event_delivery_cursors WHERE consumer_group = ? AND subject = ?`,
		consumerGroup, subject).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
