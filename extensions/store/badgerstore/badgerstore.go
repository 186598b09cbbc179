// Package badgerstore keeps in-flight client state in a Badger database.
package badgerstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/vitalvas/mqttclient"
)

const (
	defaultPath           = ".mqttclient.badger"
	defaultGcInterval     = 5 * time.Minute
	defaultGcDiscardRatio = 0.5
)

// Options configures the store.
type Options struct {
	Path           string        `yaml:"path" json:"path"`
	InMemory       bool          `yaml:"in_memory" json:"in_memory"`
	GcInterval     time.Duration `yaml:"gc_interval" json:"gc_interval"`
	GcDiscardRatio float64       `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`

	// Options overrides every field above except the GC settings.
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Logger  mqttclient.Logger `yaml:"-" json:"-"`
}

// Store is a mqttclient.Store backed by Badger.
type Store struct {
	mu     sync.RWMutex
	db     *badgerdb.DB
	closed bool

	gcTicker *time.Ticker
	gcDone   chan struct{}
	ratio    float64
}

var _ mqttclient.Store = (*Store)(nil)

// Open opens the database and starts value log garbage collection.
func Open(opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	logger := opts.Logger
	if logger == nil {
		logger = mqttclient.NewNoOpLogger()
	}

	var dbOpts badgerdb.Options
	if opts.Options != nil {
		dbOpts = *opts.Options
	} else {
		path := opts.Path
		if path == "" {
			path = defaultPath
		}
		if opts.InMemory {
			path = ""
		}
		dbOpts = badgerdb.DefaultOptions(path).WithInMemory(opts.InMemory)
	}
	dbOpts.Logger = &badgerLogger{log: logger.WithFields(mqttclient.LogFields{"store": "badger"})}

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, err
	}

	interval := opts.GcInterval
	if interval <= 0 {
		interval = defaultGcInterval
	}
	ratio := opts.GcDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = defaultGcDiscardRatio
	}

	s := &Store{
		db:       db,
		gcTicker: time.NewTicker(interval),
		gcDone:   make(chan struct{}),
		ratio:    ratio,
	}
	go s.gcLoop()
	return s, nil
}

func (s *Store) gcLoop() {
	for {
		select {
		case <-s.gcDone:
			return
		case <-s.gcTicker.C:
			s.mu.RLock()
			if !s.closed && !s.db.Opts().InMemory {
				// RunValueLogGC returns nil while it keeps finding files to rewrite.
				for s.db.RunValueLogGC(s.ratio) == nil {
				}
			}
			s.mu.RUnlock()
		}
	}
}

// Put stores rec under namespace and key.
func (s *Store) Put(namespace, key string, rec *mqttclient.Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return s.update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(mqttclient.NamespaceKey(namespace, key)), data)
	})
}

// Get returns the record under namespace and key.
func (s *Store) Get(namespace, key string) (*mqttclient.Record, error) {
	rec := new(mqttclient.Record)
	err := s.view(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(mqttclient.NamespaceKey(namespace, key)))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return mqttclient.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(rec.UnmarshalBinary)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Remove deletes a record.
func (s *Store) Remove(namespace, key string) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(mqttclient.NamespaceKey(namespace, key)))
	})
}

// Keys returns the keys stored under namespace in sorted order.
func (s *Store) Keys(namespace string) ([]string, error) {
	prefix := []byte(mqttclient.NamespacePrefix(namespace))
	keys := []string{}
	err := s.view(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear removes every record under namespace.
func (s *Store) Clear(namespace string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mqttclient.ErrStoreClosed
	}
	return s.db.DropPrefix([]byte(mqttclient.NamespacePrefix(namespace)))
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.gcTicker.Stop()
	close(s.gcDone)
	return s.db.Close()
}

func (s *Store) update(fn func(txn *badgerdb.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mqttclient.ErrStoreClosed
	}
	return s.db.Update(fn)
}

func (s *Store) view(fn func(txn *badgerdb.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mqttclient.ErrStoreClosed
	}
	return s.db.View(fn)
}

// badgerLogger routes Badger's printf-style logging into a mqttclient.Logger.
type badgerLogger struct {
	log mqttclient.Logger
}

func badgerMessage(m string, v []any) string {
	return fmt.Sprintf(strings.ToLower(strings.TrimSpace(m)), v...)
}

func (l *badgerLogger) Errorf(m string, v ...any)   { l.log.Error(badgerMessage(m, v), nil) }
func (l *badgerLogger) Warningf(m string, v ...any) { l.log.Warn(badgerMessage(m, v), nil) }
func (l *badgerLogger) Infof(m string, v ...any)    { l.log.Debug(badgerMessage(m, v), nil) }
func (l *badgerLogger) Debugf(m string, v ...any)   { l.log.Debug(badgerMessage(m, v), nil) }
