// Package pebblestore keeps in-flight client state in a Pebble database.
package pebblestore

import (
	"errors"
	"strings"
	"sync"

	pebbledb "github.com/cockroachdb/pebble"

	"github.com/vitalvas/mqttclient"
)

const defaultPath = ".mqttclient.pebble"

// Write modes.
const (
	NoSync = "NoSync"
	Sync   = "Sync"
)

// Options configures the store.
type Options struct {
	Path string `yaml:"path" json:"path"`
	// Mode is Sync or NoSync. Sync is the default since the client treats
	// a returned Put as durable.
	Mode    string            `yaml:"mode" json:"mode"`
	Options *pebbledb.Options `yaml:"-" json:"-"`
}

// Store is a mqttclient.Store backed by Pebble.
type Store struct {
	mu     sync.RWMutex
	db     *pebbledb.DB
	mode   *pebbledb.WriteOptions
	closed bool
}

var _ mqttclient.Store = (*Store)(nil)

// Open opens or creates the database directory.
func Open(opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	path := opts.Path
	if path == "" {
		path = defaultPath
	}
	dbOpts := opts.Options
	if dbOpts == nil {
		dbOpts = &pebbledb.Options{}
	}

	mode := pebbledb.Sync
	if strings.EqualFold(opts.Mode, NoSync) {
		mode = pebbledb.NoSync
	}

	db, err := pebbledb.Open(path, dbOpts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, mode: mode}, nil
}

// keyUpperBound returns the smallest key greater than every key with prefix b.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Put stores rec under namespace and key.
func (s *Store) Put(namespace, key string, rec *mqttclient.Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mqttclient.ErrStoreClosed
	}
	return s.db.Set([]byte(mqttclient.NamespaceKey(namespace, key)), data, s.mode)
}

// Get returns the record under namespace and key.
func (s *Store) Get(namespace, key string) (*mqttclient.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, mqttclient.ErrStoreClosed
	}

	value, closer, err := s.db.Get([]byte(mqttclient.NamespaceKey(namespace, key)))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return nil, mqttclient.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	rec := new(mqttclient.Record)
	if err := rec.UnmarshalBinary(value); err != nil {
		return nil, err
	}
	return rec, nil
}

// Remove deletes a record.
func (s *Store) Remove(namespace, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mqttclient.ErrStoreClosed
	}
	return s.db.Delete([]byte(mqttclient.NamespaceKey(namespace, key)), s.mode)
}

// Keys returns the keys stored under namespace in sorted order.
func (s *Store) Keys(namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, mqttclient.ErrStoreClosed
	}

	prefix := []byte(mqttclient.NamespacePrefix(namespace))
	iter, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}

	keys := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear removes every record under namespace with a range deletion.
func (s *Store) Clear(namespace string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mqttclient.ErrStoreClosed
	}

	prefix := []byte(mqttclient.NamespacePrefix(namespace))
	return s.db.DeleteRange(prefix, keyUpperBound(prefix), s.mode)
}

// Close closes the database. Further calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
