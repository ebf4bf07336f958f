package storage

import (
	"fmt"
	"time"
)

// MaxPayloadSize is the largest payload a record may carry.
const MaxPayloadSize = 300 * 1024

// Record is an immutable stored record. Only its tier location ever
// changes after creation; id, payload and timestamps do not.
type Record struct {
	ID           string            `json:"id"`
	Payload      []byte            `json:"payload"`
	CreatedAt    time.Time         `json:"created_at"`
	PartitionKey string            `json:"partition_key"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the structural invariants of a record. A violation
// is reported as a CorruptionError and must not be retried.
func (r *Record) Validate() error {
	if r.ID == "" {
		return &CorruptionError{ID: r.ID, Reason: "empty record id"}
	}
	if len(r.Payload) == 0 {
		return &CorruptionError{ID: r.ID, Reason: "empty payload"}
	}
	if len(r.Payload) > MaxPayloadSize {
		return &CorruptionError{ID: r.ID, Reason: fmt.Sprintf("payload size %d exceeds limit %d", len(r.Payload), MaxPayloadSize)}
	}
	if r.CreatedAt.IsZero() {
		return &CorruptionError{ID: r.ID, Reason: "zero creation timestamp"}
	}
	return nil
}

// ColdKey derives the cold store object key for a record id. The key
// depends on the id alone so a reader can locate the payload without
// any additional state.
func ColdKey(id string) string {
	return "records/" + id
}
