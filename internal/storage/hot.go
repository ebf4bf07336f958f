package storage

import (
	"context"
	"time"
)

// QueryFilter selects hot-tier records for an archival scan.
type QueryFilter struct {
	// Before selects records created strictly before this instant.
	// A record created exactly at the cutoff is not eligible.
	Before time.Time
	// Cursor is the opaque continuation position from a prior Query.
	// Empty means start from the beginning of the eligible range.
	Cursor string
}

// HotStore is the capability interface over the low-latency
// transactional tier. Query results are ordered by (created_at, id)
// so a cursor advances monotonically across calls.
type HotStore interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, filter QueryFilter, limit int) ([]*Record, string, error)
}

// ColdStore is the capability interface over the bulk archive tier.
// Put is overwrite-safe: re-uploading identical bytes for a key is a
// no-op in effect, and the adapter confirms the write before returning.
type ColdStore interface {
	Put(ctx context.Context, key string, payload []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
}
