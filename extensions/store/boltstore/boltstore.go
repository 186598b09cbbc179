// Package boltstore keeps in-flight client state in a bbolt database file.
package boltstore

import (
	"bytes"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vitalvas/mqttclient"
)

const (
	defaultPath    = ".mqttclient.bolt"
	defaultBucket  = "mqttclient"
	defaultTimeout = 250 * time.Millisecond
)

// Options configures the store.
type Options struct {
	Path    string         `yaml:"path" json:"path"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Options *bbolt.Options `yaml:"-" json:"-"`
}

// Store is a mqttclient.Store backed by bbolt. Every Put is a committed
// transaction, so records survive a crash once Put returns.
type Store struct {
	db     *bbolt.DB
	bucket []byte
}

var _ mqttclient.Store = (*Store)(nil)

// Open opens or creates the database file.
func Open(opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	path := opts.Path
	if path == "" {
		path = defaultPath
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	boltOpts := opts.Options
	if boltOpts == nil {
		boltOpts = &bbolt.Options{Timeout: defaultTimeout}
	}

	db, err := bbolt.Open(path, 0600, boltOpts)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, bucket: []byte(bucket)}, nil
}

// Put stores rec under namespace and key.
func (s *Store) Put(namespace, key string, rec *mqttclient.Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return s.update(func(b *bbolt.Bucket) error {
		return b.Put([]byte(mqttclient.NamespaceKey(namespace, key)), data)
	})
}

// Get returns the record under namespace and key.
func (s *Store) Get(namespace, key string) (*mqttclient.Record, error) {
	rec := new(mqttclient.Record)
	err := s.view(func(b *bbolt.Bucket) error {
		value := b.Get([]byte(mqttclient.NamespaceKey(namespace, key)))
		if value == nil {
			return mqttclient.ErrRecordNotFound
		}
		return rec.UnmarshalBinary(value)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Remove deletes a record. Removing an absent key is not an error.
func (s *Store) Remove(namespace, key string) error {
	return s.update(func(b *bbolt.Bucket) error {
		return b.Delete([]byte(mqttclient.NamespaceKey(namespace, key)))
	})
}

// Keys returns the keys stored under namespace in sorted order.
func (s *Store) Keys(namespace string) ([]string, error) {
	prefix := []byte(mqttclient.NamespacePrefix(namespace))
	keys := []string{}
	err := s.view(func(b *bbolt.Bucket) error {
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear removes every record under namespace in one transaction.
func (s *Store) Clear(namespace string) error {
	prefix := []byte(mqttclient.NamespacePrefix(namespace))
	return s.update(func(b *bbolt.Bucket) error {
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) update(fn func(b *bbolt.Bucket) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
	return translate(err)
}

func (s *Store) view(fn func(b *bbolt.Bucket) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
	return translate(err)
}

func translate(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return mqttclient.ErrStoreClosed
	}
	return err
}
