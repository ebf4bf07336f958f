package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store, ProgressStore and LeaseStore on a
// single SQLite database. It is the durable source of truth for
// "where is this record".
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore opens (and if needed initializes) a ledger at dbPath.
// synchronous=FULL so every committed transition survives a crash
// immediately after Put returns.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS entries (
		record_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		cursor_hint TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_state ON entries(state);

	CREATE TABLE IF NOT EXISTS pass_progress (
		pass_key TEXT PRIMARY KEY,
		cutoff DATETIME NOT NULL,
		cursor TEXT NOT NULL,
		records_processed INTEGER NOT NULL DEFAULT 0,
		last_committed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Put applies a compare-and-set state transition inside a single
// transaction. Entering StateMigrating increments the attempt count.
func (s *SQLiteStore) Put(ctx context.Context, recordID string, state State) error {
	if s.closed {
		return fmt.Errorf("ledger store is closed")
	}
	if !validState(state) {
		return fmt.Errorf("unknown ledger state %q", state)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.putInTransaction(ctx, recordID, state)
	})
}

func (s *SQLiteStore) putInTransaction(ctx context.Context, recordID string, state State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	from := StateHot
	attempts := 0
	var cur string
	err = tx.QueryRowContext(ctx, `SELECT state, attempts FROM entries WHERE record_id = ?`, recordID).Scan(&cur, &attempts)
	switch {
	case err == sql.ErrNoRows:
		// untracked, treated as hot
	case err != nil:
		return err
	default:
		from = State(cur)
	}

	if !transitionAllowed(from, state) {
		return &ConflictError{RecordID: recordID, From: from, To: state}
	}
	if state == StateMigrating {
		attempts++
	}

	query := `
	INSERT INTO entries (record_id, state, attempts, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(record_id) DO UPDATE SET
		state = excluded.state,
		attempts = excluded.attempts,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, recordID, string(state), attempts, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return tx.Commit()
}

// Get returns the entry for recordID, or ErrNotTracked.
func (s *SQLiteStore) Get(ctx context.Context, recordID string) (*Entry, error) {
	if s.closed {
		return nil, fmt.Errorf("ledger store is closed")
	}

	var entry *Entry
	err := s.retryOnBusy(func() error {
		var e Entry
		var hint sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT record_id, state, attempts, cursor_hint, updated_at FROM entries WHERE record_id = ?`,
			recordID,
		).Scan(&e.RecordID, &e.State, &e.Attempts, &hint, &e.UpdatedAt)
		if err == sql.ErrNoRows {
			return ErrNotTracked
		}
		if err != nil {
			return err
		}
		if hint.Valid {
			e.CursorHint = hint.String
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListFailed returns all entries in StateFailed, oldest first.
func (s *SQLiteStore) ListFailed(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, state, attempts, cursor_hint, updated_at FROM entries WHERE state = ? ORDER BY updated_at ASC`,
		string(StateFailed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var hint sql.NullString
		if err := rows.Scan(&e.RecordID, &e.State, &e.Attempts, &hint, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if hint.Valid {
			e.CursorHint = hint.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RetryFailed resets a Failed record to Migrating with zero attempts so
// the next pass re-processes it.
func (s *SQLiteStore) RetryFailed(ctx context.Context, recordID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE entries SET state = ?, attempts = 0, updated_at = ? WHERE record_id = ? AND state = ?`,
			string(StateMigrating), s.now().UTC(), recordID, string(StateFailed),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			entry, err := s.Get(ctx, recordID)
			if err != nil {
				return err
			}
			return &ConflictError{RecordID: recordID, From: entry.State, To: StateMigrating}
		}
		return nil
	})
}

// LoadProgress returns the persisted progress for passKey, or
// (nil, nil) when no pass with that identity has committed yet.
func (s *SQLiteStore) LoadProgress(ctx context.Context, passKey string) (*Progress, error) {
	var p Progress
	err := s.db.QueryRowContext(ctx,
		`SELECT pass_key, cutoff, cursor, records_processed, last_committed_at FROM pass_progress WHERE pass_key = ?`,
		passKey,
	).Scan(&p.PassKey, &p.Cutoff, &p.Cursor, &p.RecordsProcessed, &p.LastCommittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProgress commits the pass position.
func (s *SQLiteStore) SaveProgress(ctx context.Context, p *Progress) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		query := `
		INSERT INTO pass_progress (pass_key, cutoff, cursor, records_processed, last_committed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pass_key) DO UPDATE SET
			cutoff = excluded.cutoff,
			cursor = excluded.cursor,
			records_processed = excluded.records_processed,
			last_committed_at = excluded.last_committed_at
		`
		_, err := s.db.ExecContext(ctx, query, p.PassKey, p.Cutoff.UTC(), p.Cursor, p.RecordsProcessed, s.now().UTC())
		return err
	})
}

// AcquireLease takes the named lease unless a different owner holds an
// unexpired one. Expired leases are stolen.
func (s *SQLiteStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var curOwner string
		var expiresAt time.Time
		err = tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE name = ?`, name).Scan(&curOwner, &expiresAt)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && curOwner != owner && expiresAt.After(s.now()) {
			return ErrLeaseHeld
		}

		query := `
		INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		`
		if _, err := tx.ExecContext(ctx, query, name, owner, s.now().Add(ttl).UTC()); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RenewLease extends a lease still held by owner; ErrLeaseHeld when it
// was lost.
func (s *SQLiteStore) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE leases SET expires_at = ? WHERE name = ? AND owner = ?`,
			s.now().Add(ttl).UTC(), name, owner,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLeaseHeld
		}
		return nil
	})
}

// ReleaseLease drops the lease if owner still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, owner string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
		return err
	})
}

// retryOnBusy retries the operation when SQLite reports contention,
// with exponential backoff plus jitter.
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) {
			return err
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
		}
	}
	return err
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
