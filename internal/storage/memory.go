package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryHotStore is an in-memory HotStore for tests and embedded use.
type MemoryHotStore struct {
	mu      sync.RWMutex
	records map[string]*Record

	// FailGet, FailDelete, FailQuery, when set, are consulted before
	// the real operation so tests can inject store failures.
	FailGet    func(id string) error
	FailDelete func(id string) error
	FailQuery  func() error
}

// NewMemoryHotStore creates an empty in-memory hot store.
func NewMemoryHotStore() *MemoryHotStore {
	return &MemoryHotStore{records: make(map[string]*Record)}
}

func (s *MemoryHotStore) Put(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return ErrIDInUse
	}
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryHotStore) Get(ctx context.Context, id string) (*Record, error) {
	if s.FailGet != nil {
		if err := s.FailGet(id); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryHotStore) Delete(ctx context.Context, id string) error {
	if s.FailDelete != nil {
		if err := s.FailDelete(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryHotStore) Query(ctx context.Context, filter QueryFilter, limit int) ([]*Record, string, error) {
	if s.FailQuery != nil {
		if err := s.FailQuery(); err != nil {
			return nil, "", err
		}
	}
	s.mu.RLock()
	eligible := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.CreatedAt.UnixNano() < filter.Before.UnixNano() {
			eligible = append(eligible, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(eligible, func(i, j int) bool {
		ti, tj := eligible[i].CreatedAt.UnixNano(), eligible[j].CreatedAt.UnixNano()
		if ti != tj {
			return ti < tj
		}
		return eligible[i].ID < eligible[j].ID
	})

	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		i := sort.Search(len(eligible), func(i int) bool {
			t := eligible[i].CreatedAt.UnixNano()
			return t > ts || (t == ts && eligible[i].ID > id)
		})
		eligible = eligible[i:]
	}

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]*Record, len(eligible))
	for i, rec := range eligible {
		cp := *rec
		out[i] = &cp
	}

	next := ""
	if len(out) > 0 {
		last := out[len(out)-1]
		next = encodeCursor(last.CreatedAt.UnixNano(), last.ID)
	}
	return out, next, nil
}

// Len reports the number of records currently in the hot tier.
func (s *MemoryHotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MemoryColdStore is an in-memory ColdStore for tests and embedded use.
type MemoryColdStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    map[string]int

	// FailPut and FailGet, when set, are consulted before the real
	// operation so tests can inject store failures.
	FailPut func(key string) error
	FailGet func(key string) error
}

// NewMemoryColdStore creates an empty in-memory cold store.
func NewMemoryColdStore() *MemoryColdStore {
	return &MemoryColdStore{
		objects: make(map[string][]byte),
		puts:    make(map[string]int),
	}
}

func (s *MemoryColdStore) Put(ctx context.Context, key string, payload []byte, meta map[string]string) error {
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), payload...)
	s.puts[key]++
	return nil
}

func (s *MemoryColdStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.FailGet != nil {
		if err := s.FailGet(key); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

// PutCount reports how many puts a key has received; each key holds a
// single object regardless, so this tracks re-upload behavior in tests.
func (s *MemoryColdStore) PutCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts[key]
}

// Len reports the number of distinct objects stored.
func (s *MemoryColdStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
