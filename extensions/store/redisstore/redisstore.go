// Package redisstore keeps in-flight client state in Redis, one hash per
// namespace.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vitalvas/mqttclient"
)

const (
	defaultAddr    = "localhost:6379"
	defaultHPrefix = "mqttclient:"
	defaultTimeout = 5 * time.Second
)

// Options configures the store.
type Options struct {
	HPrefix string         `yaml:"prefix" json:"prefix"`
	Timeout time.Duration  `yaml:"timeout" json:"timeout"`
	Options *redis.Options `yaml:"-" json:"-"`
}

// Store is a mqttclient.Store backed by Redis hashes.
type Store struct {
	db      *redis.Client
	prefix  string
	timeout time.Duration
}

var _ mqttclient.Store = (*Store)(nil)

// Open connects to Redis and checks the connection with PING.
func Open(ctx context.Context, opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	redisOpts := opts.Options
	if redisOpts == nil {
		redisOpts = &redis.Options{Addr: defaultAddr}
	}

	s := &Store{
		db:      redis.NewClient(redisOpts),
		prefix:  opts.HPrefix,
		timeout: opts.Timeout,
	}
	if s.prefix == "" {
		s.prefix = defaultHPrefix
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}

	if err := s.db.Ping(ctx).Err(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to ping service: %w", err)
	}
	return s, nil
}

func (s *Store) hKey(namespace string) string {
	return s.prefix + namespace
}

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Put stores rec under namespace and key.
func (s *Store) Put(namespace, key string, rec *mqttclient.Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}

	ctx, cancel := s.context()
	defer cancel()
	return translate(s.db.HSet(ctx, s.hKey(namespace), key, data).Err())
}

// Get returns the record under namespace and key.
func (s *Store) Get(namespace, key string) (*mqttclient.Record, error) {
	ctx, cancel := s.context()
	defer cancel()

	data, err := s.db.HGet(ctx, s.hKey(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, mqttclient.ErrRecordNotFound
	}
	if err != nil {
		return nil, translate(err)
	}

	rec := new(mqttclient.Record)
	if err := rec.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return rec, nil
}

// Remove deletes a record.
func (s *Store) Remove(namespace, key string) error {
	ctx, cancel := s.context()
	defer cancel()
	return translate(s.db.HDel(ctx, s.hKey(namespace), key).Err())
}

// Keys returns the keys stored under namespace in sorted order.
func (s *Store) Keys(namespace string) ([]string, error) {
	ctx, cancel := s.context()
	defer cancel()

	keys, err := s.db.HKeys(ctx, s.hKey(namespace)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, translate(err)
	}
	if keys == nil {
		keys = []string{}
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear deletes the namespace hash.
func (s *Store) Clear(namespace string) error {
	ctx, cancel := s.context()
	defer cancel()
	return translate(s.db.Del(ctx, s.hKey(namespace)).Err())
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func translate(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return mqttclient.ErrStoreClosed
	}
	return err
}
