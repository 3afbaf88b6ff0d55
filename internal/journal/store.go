// Package journal records every delivery disposition in a local sqlite
// database for inspection with `agentrelay status`.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentrelay/internal/bus"
)

// Entry is one recorded disposition.
type Entry struct {
	ID        int64
	Account   string
	MessageID string
	Outcome   string
	From      string
	To        string
	Consumer  string
	Attempts  int
	Detail    string
	CreatedAt time.Time
}

// OutcomeCount is a row of a status summary.
type OutcomeCount struct {
	Account string
	Outcome string
	Count   int64
}

// Store is a sqlite-backed delivery journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Record appends one entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (account, message_id, outcome, sender, recipient, consumer, attempts, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Account, e.MessageID, e.Outcome, e.From, e.To, e.Consumer, e.Attempts, e.Detail, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Subscribe journals every delivery.* event published on eb.
func (s *Store) Subscribe(eb *bus.EventBus) {
	eb.On("*", func(ev bus.Event) {
		outcome, ok := strings.CutPrefix(ev.Type, "delivery.")
		if !ok || ev.MessageID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.Record(ctx, Entry{
			Account:   ev.Account,
			MessageID: ev.MessageID,
			Outcome:   outcome,
			From:      ev.From,
			To:        ev.To,
			Consumer:  ev.Consumer,
			Attempts:  ev.Attempts,
			Detail:    ev.Err,
			CreatedAt: ev.Timestamp,
		})
		if err != nil {
			s.logger.Warn("journal write failed", "message_id", ev.MessageID, "err", err)
		}
	})
}

// Summary counts outcomes per account since the given time.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, outcome, COUNT(*) FROM deliveries
		 WHERE created_at >= ? GROUP BY account, outcome ORDER BY account, outcome`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.Account, &c.Outcome, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Recent returns the newest entries, optionally for one account.
func (s *Store) Recent(ctx context.Context, account string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, account, message_id, outcome, sender, recipient, consumer, attempts, detail, created_at
		FROM deliveries`
	args := []any{}
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, query, args...)
}

// History returns every entry for a message id, oldest first.
func (s *Store) History(ctx context.Context, messageID string) ([]Entry, error) {
	return s.query(ctx,
		`SELECT id, account, message_id, outcome, sender, recipient, consumer, attempts, detail, created_at
		 FROM deliveries WHERE message_id = ? ORDER BY id`, messageID)
}

// Prune deletes entries older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var from, to, consumer, detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Account, &e.MessageID, &e.Outcome, &from, &to, &consumer, &e.Attempts, &detail, &created); err != nil {
			return nil, err
		}
		e.From, e.To, e.Consumer, e.Detail = from.String, to.String, consumer.String, detail.String
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
