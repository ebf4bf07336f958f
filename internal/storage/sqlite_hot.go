package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteHotStore implements HotStore on a SQLite database. It serves
// as the transactional hot tier for single-node deployments and as the
// reference adapter for the HotStore contract.
type SQLiteHotStore struct {
	db *sql.DB
}

// NewSQLiteHotStore opens (and if needed initializes) a hot store at dbPath.
func NewSQLiteHotStore(dbPath string) (*SQLiteHotStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open hot store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	s := &SQLiteHotStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create hot store tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteHotStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		partition_key TEXT NOT NULL DEFAULT '',
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at, id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Put inserts a new record. Record ids are never reused; inserting an
// id that already exists fails with ErrIDInUse.
func (s *SQLiteHotStore) Put(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	query := `INSERT INTO records (id, payload, created_at, partition_key, metadata) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.Payload, rec.CreatedAt.UnixNano(), rec.PartitionKey, nullableString(meta))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrIDInUse
		}
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a record by id, or ErrNotFound.
func (s *SQLiteHotStore) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT id, payload, created_at, partition_key, metadata FROM records WHERE id = ?`
	return scanRecord(s.db.QueryRowContext(ctx, query, id))
}

// Delete removes a record by id. Deleting an absent id returns
// ErrNotFound; callers treat that as already-done.
func (s *SQLiteHotStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Query returns up to limit records created strictly before
// filter.Before, resuming after filter.Cursor, ordered by
// (created_at, id). The returned cursor positions the next call just
// past the last returned record; it is empty when the scan is done.
func (s *SQLiteHotStore) Query(ctx context.Context, filter QueryFilter, limit int) ([]*Record, string, error) {
	args := []interface{}{filter.Before.UnixNano()}
	query := `SELECT id, payload, created_at, partition_key, metadata FROM records WHERE created_at < ?`

	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ts, ts, id)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(records) > 0 {
		last := records[len(records)-1]
		next = encodeCursor(last.CreatedAt.UnixNano(), last.ID)
	}
	return records, next, nil
}

// Close closes the underlying database.
func (s *SQLiteHotStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var createdAt int64
	var meta sql.NullString

	err := row.Scan(&rec.ID, &rec.Payload, &createdAt, &rec.PartitionKey, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()

	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return nil, &CorruptionError{ID: rec.ID, Reason: "undecodable metadata"}
		}
	}
	return &rec, nil
}

func encodeCursor(ts int64, id string) string {
	return strconv.FormatInt(ts, 10) + "|" + id
}

func decodeCursor(cursor string) (int64, string, error) {
	tsStr, id, ok := strings.Cut(cursor, "|")
	if !ok {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return ts, id, nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
