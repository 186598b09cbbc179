package mqttclient

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store. Records do not survive a process
// restart, but they do survive reconnects of a client that keeps the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string][]byte),
	}
}

// Put stores rec under namespace and key, replacing any previous record.
func (s *MemoryStore) Put(namespace, key string, rec *Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	ns, ok := s.records[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.records[namespace] = ns
	}
	ns[key] = data
	return nil
}

// Get returns the record stored under namespace and key.
func (s *MemoryStore) Get(namespace, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	data, ok := s.records[namespace][key]
	if !ok {
		return nil, ErrRecordNotFound
	}

	rec := &Record{}
	if err := rec.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return rec, nil
}

// Remove deletes a record. Removing an absent key is not an error.
func (s *MemoryStore) Remove(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.records[namespace], key)
	return nil
}

// Keys returns the sorted keys stored in namespace.
func (s *MemoryStore) Keys(namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(s.records[namespace]))
	for k := range s.records[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every record in namespace.
func (s *MemoryStore) Clear(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.records, namespace)
	return nil
}

// Close marks the store unavailable. Later calls return ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.records = make(map[string]map[string][]byte)
	return nil
}
