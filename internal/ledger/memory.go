package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store, ProgressStore and LeaseStore in
// memory, for tests and embedded use.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	progress map[string]*Progress
	leases   map[string]memoryLease
	writes   int
	now      func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		progress: make(map[string]*Progress),
		leases:   make(map[string]memoryLease),
		now:      time.Now,
	}
}

// SetNow overrides the clock, for lease expiry tests.
func (s *MemoryStore) SetNow(now func() time.Time) { s.now = now }

func (s *MemoryStore) Put(ctx context.Context, recordID string, state State) error {
	if !validState(state) {
		return &ConflictError{RecordID: recordID, To: state}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from := StateHot
	attempts := 0
	if e, ok := s.entries[recordID]; ok {
		from = e.State
		attempts = e.Attempts
	}
	if !transitionAllowed(from, state) {
		return &ConflictError{RecordID: recordID, From: from, To: state}
	}
	if state == StateMigrating {
		attempts++
	}

	s.entries[recordID] = &Entry{
		RecordID:  recordID,
		State:     state,
		Attempts:  attempts,
		UpdatedAt: s.now().UTC(),
	}
	s.writes++
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, recordID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[recordID]
	if !ok {
		return nil, ErrNotTracked
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListFailed(ctx context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.State == StateFailed {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RetryFailed(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[recordID]
	if !ok {
		return ErrNotTracked
	}
	if e.State != StateFailed {
		return &ConflictError{RecordID: recordID, From: e.State, To: StateMigrating}
	}
	e.State = StateMigrating
	e.Attempts = 0
	e.UpdatedAt = s.now().UTC()
	s.writes++
	return nil
}

func (s *MemoryStore) LoadProgress(ctx context.Context, passKey string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[passKey]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) SaveProgress(ctx context.Context, p *Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.LastCommittedAt = s.now().UTC()
	s.progress[p.PassKey] = &cp
	return nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.owner != owner && l.expiresAt.After(s.now()) {
		return ErrLeaseHeld
	}
	s.leases[name] = memoryLease{owner: owner, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok || l.owner != owner {
		return ErrLeaseHeld
	}
	s.leases[name] = memoryLease{owner: owner, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// Writes reports the number of mutating ledger operations performed,
// used to verify that a skipped pass touches nothing.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
