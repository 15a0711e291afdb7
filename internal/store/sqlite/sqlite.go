// Package sqlite implements store.Store on an embedded SQLite database.
// It is a drop-in alternative to the filesystem store; messages keep the
// same serialized size accounting so STATS answers agree across backends.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/shineum/glomail/internal/message"
	"github.com/shineum/glomail/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ store.Store = (*Store)(nil)

// Store is the sqlite-backed mailbox store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	return OpenWithClock(ctx, dsn, time.Now)
}

// OpenWithClock is like Open but stamps deliveries with now.
func OpenWithClock(ctx context.Context, dsn string, now func() time.Time) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: the server is single-threaded, and ":memory:"
	// databases exist per connection.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("applied migration", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Ping checks that the database is reachable. Unlike the Store methods it
// may be called from any goroutine.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount implements store.Store.
func (s *Store) CreateAccount(ctx context.Context, username, password string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	taken := false
	if store.ValidUsername(username) {
		taken, err = exists(ctx, tx, username)
		if err != nil {
			return err
		}
	}
	if err := store.CheckRegistration(username, password, taken); err != nil {
		return err
	}

	record, err := store.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, record, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q querier, username string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE username = ?`, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up account: %w", err)
	}
	return n > 0, nil
}

// Authenticate implements store.Store.
func (s *Store) Authenticate(ctx context.Context, username, password string) error {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM accounts WHERE username = ?`, username).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrInvalidCredentials
		}
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	return store.VerifyPassword(record, password)
}

// AccountExists implements store.Store.
func (s *Store) AccountExists(ctx context.Context, username string) (bool, error) {
	return exists(ctx, s.db, username)
}

// ListInbox implements store.Store.
func (s *Store) ListInbox(ctx context.Context, username string) ([]message.Message, error) {
	ok, err := s.AccountExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNoSuchAccount
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, destination, subject, date, content
		FROM messages
		WHERE username = ?
		ORDER BY arrived_at DESC, id DESC`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}
	defer rows.Close()

	msgs := []message.Message{}
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Destination, &m.Subject, &m.Date, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}
	return msgs, nil
}

// ReadMessage implements store.Store.
func (s *Store) ReadMessage(ctx context.Context, username, id string) (*message.Message, error) {
	var m message.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender, destination, subject, date, content
		FROM messages
		WHERE username = ? AND id = ?`, username, id).
		Scan(&m.ID, &m.Sender, &m.Destination, &m.Subject, &m.Date, &m.Content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoSuchMessage
		}
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return &m, nil
}

// Deliver implements store.Store.
func (s *Store) Deliver(ctx context.Context, username string, msg *message.Message) error {
	ok, err := s.AccountExists(ctx, username)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNoSuchAccount
	}

	// Store the fields as the serialized form would read back, so both
	// backends return the same text.
	raw := msg.Marshal()
	m, err := message.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to deliver to %q: %w", username, err)
	}

	arrival := s.now()
	id := message.NewID(m.Sender, arrival, m.Content)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, username, arrived_at, sender, destination, subject, date, content, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, username, arrival.UnixNano(), m.Sender, m.Destination, m.Subject, m.Date, m.Content, len(raw))
	if err != nil {
		return fmt.Errorf("failed to deliver to %q: %w", username, err)
	}
	msg.ID = id
	return nil
}

// DeliverToLost implements store.LostSink.
func (s *Store) DeliverToLost(ctx context.Context, id string, msg *message.Message) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lost_messages WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to keep lost message: %w", err)
	}
	if n > 0 {
		id += "_" + uuid.NewString()[:8]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lost_messages (id, arrived_at, sender, destination, subject, date, content)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, s.now().UnixNano(), msg.Sender, msg.Destination, msg.Subject, msg.Date, msg.Content)
	if err != nil {
		return fmt.Errorf("failed to keep lost message: %w", err)
	}
	msg.ID = id
	return nil
}

// Stats implements store.Store.
func (s *Store) Stats(ctx context.Context, username string) (store.Stats, error) {
	ok, err := s.AccountExists(ctx, username)
	if err != nil {
		return store.Stats{}, err
	}
	if !ok {
		return store.Stats{}, store.ErrNoSuchAccount
	}

	var st store.Stats
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM messages WHERE username = ?`, username).
		Scan(&st.Count, &st.Size)
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to compute stats: %w", err)
	}
	return st, nil
}
