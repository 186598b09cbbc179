// Package config loads client settings from YAML and turns them into
// mqttclient options.
package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"github.com/vitalvas/mqttclient"
	"github.com/vitalvas/mqttclient/extensions/store/badgerstore"
	"github.com/vitalvas/mqttclient/extensions/store/boltstore"
	"github.com/vitalvas/mqttclient/extensions/store/pebblestore"
	"github.com/vitalvas/mqttclient/extensions/store/redisstore"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreBadger = "badger"
	StorePebble = "pebble"
	StoreRedis  = "redis"
)

// Config holds everything needed to build a client.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	TLS       TLSConfig       `yaml:"tls"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Will      *WillConfig     `yaml:"will"`
}

// ClientConfig holds connection settings.
type ClientConfig struct {
	Servers         []string      `yaml:"servers"`
	ClientID        string        `yaml:"client_id"`
	ProtocolVersion int           `yaml:"protocol_version"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	KeepAlive       time.Duration `yaml:"keep_alive"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxPacketSize   uint32        `yaml:"max_packet_size"`
	ReceiveMaximum  uint16        `yaml:"receive_maximum"`
	TopicAliasMax   uint16        `yaml:"topic_alias_maximum"`
	PublishRate     float64       `yaml:"publish_rate"`
	PublishBurst    int           `yaml:"publish_burst"`
}

// SessionConfig controls session persistence.
type SessionConfig struct {
	CleanStart     bool   `yaml:"clean_start"`
	ExpiryInterval uint32 `yaml:"expiry_interval"`
}

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Resubscribe bool          `yaml:"resubscribe"`
}

// TLSConfig holds certificate paths for secure transports.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ProxyConfig selects a proxy. FromEnvironment reads HTTP_PROXY and friends.
type ProxyConfig struct {
	URL             string `yaml:"url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	FromEnvironment bool   `yaml:"from_environment"`
}

// AuthConfig enables v5 enhanced authentication.
type AuthConfig struct {
	// Method is SCRAM-SHA-1, SCRAM-SHA-256 or SCRAM-SHA-512.
	Method string `yaml:"method"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Type    string        `yaml:"type"`
	Path    string        `yaml:"path"`
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	Prefix  string        `yaml:"prefix"`
	Sync    bool          `yaml:"sync"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// WillConfig is the Last Will message.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
	Delay   uint32 `yaml:"delay"`
}

// Default returns a configuration for a v5 client talking to localhost.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Servers:         []string{"tcp://localhost:1883"},
			ProtocolVersion: int(mqttclient.ProtocolV5),
			KeepAlive:       60 * time.Second,
			ConnectTimeout:  30 * time.Second,
			WriteTimeout:    10 * time.Second,
			ReceiveMaximum:  65535,
		},
		Session: SessionConfig{
			CleanStart: true,
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: -1,
			Backoff:     time.Second,
			MaxBackoff:  2 * time.Minute,
			Resubscribe: true,
		},
		Store: StoreConfig{
			Type: StoreMemory,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads filename over the defaults. An empty filename returns the
// defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filename, data, 0600)
}

// Validate checks the configuration for values the client would reject.
func (c *Config) Validate() error {
	if len(c.Client.Servers) == 0 {
		return errors.New("client.servers must not be empty")
	}
	for _, s := range c.Client.Servers {
		if _, err := mqttclient.ParseBrokerURL(s); err != nil {
			return fmt.Errorf("client.servers: %w", err)
		}
	}

	switch mqttclient.ProtocolVersion(c.Client.ProtocolVersion) {
	case mqttclient.ProtocolV311, mqttclient.ProtocolV5:
	default:
		return fmt.Errorf("client.protocol_version must be 4 or 5, got %d", c.Client.ProtocolVersion)
	}

	if c.Client.KeepAlive < 0 || c.Client.KeepAlive > 65535*time.Second {
		return fmt.Errorf("client.keep_alive out of range: %s", c.Client.KeepAlive)
	}

	if c.Auth.Method != "" {
		if _, ok := mqttclient.ParseSCRAMHash(c.Auth.Method); !ok {
			return fmt.Errorf("auth.method not supported: %s", c.Auth.Method)
		}
		if mqttclient.ProtocolVersion(c.Client.ProtocolVersion) != mqttclient.ProtocolV5 {
			return errors.New("auth.method requires protocol_version 5")
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}

	switch c.Store.Type {
	case "", StoreMemory, StoreRedis:
	case StoreBolt, StoreBadger, StorePebble:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for %s", c.Store.Type)
		}
	default:
		return fmt.Errorf("store.type not supported: %s", c.Store.Type)
	}

	if c.Will != nil {
		if err := mqttclient.ValidateTopicName(c.Will.Topic); err != nil {
			return fmt.Errorf("will.topic: %w", err)
		}
		if c.Will.QoS > mqttclient.QoS2 {
			return fmt.Errorf("will.qos must be 0, 1 or 2, got %d", c.Will.QoS)
		}
	}

	return nil
}

// TLSClientConfig builds a tls.Config from the certificate paths. It returns
// nil when nothing is configured.
func (c *Config) TLSClientConfig() (*tls.Config, error) {
	t := c.TLS
	if t.CAFile == "" && t.CertFile == "" && t.ServerName == "" && !t.InsecureSkipVerify {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA file")
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// OpenStore opens the configured persistence backend.
func (c *Config) OpenStore(ctx context.Context, logger mqttclient.Logger) (mqttclient.Store, error) {
	s := c.Store
	switch s.Type {
	case "", StoreMemory:
		return mqttclient.NewMemoryStore(), nil
	case StoreBolt:
		return boltstore.Open(&boltstore.Options{Path: s.Path, Bucket: s.Prefix})
	case StoreBadger:
		return badgerstore.Open(&badgerstore.Options{Path: s.Path, Logger: logger})
	case StorePebble:
		mode := pebblestore.Sync
		if !s.Sync {
			mode = pebblestore.NoSync
		}
		return pebblestore.Open(&pebblestore.Options{Path: s.Path, Mode: mode})
	case StoreRedis:
		addr := s.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		return redisstore.Open(ctx, &redisstore.Options{
			HPrefix: s.Prefix,
			Timeout: s.Timeout,
			Options: &redis.Options{Addr: addr, DB: s.DB},
		})
	default:
		return nil, fmt.Errorf("store.type not supported: %s", s.Type)
	}
}

// Logger builds the zap logger for the configured level.
func (c *Config) Logger() (*mqttclient.ZapLogger, error) {
	return mqttclient.NewProductionLogger(mqttclient.ParseLogLevel(strings.ToLower(c.Log.Level)))
}

// ClientOptions converts the configuration into client options. store and
// logger may be nil.
func (c *Config) ClientOptions(store mqttclient.Store, logger mqttclient.Logger) ([]mqttclient.Option, error) {
	cl := c.Client
	opts := []mqttclient.Option{
		mqttclient.WithServers(cl.Servers...),
		mqttclient.WithProtocolVersion(mqttclient.ProtocolVersion(cl.ProtocolVersion)),
		mqttclient.WithKeepAlive(uint16(cl.KeepAlive / time.Second)),
		mqttclient.WithCleanStart(c.Session.CleanStart),
		mqttclient.WithSessionExpiryInterval(c.Session.ExpiryInterval),
		mqttclient.WithAutoReconnect(c.Reconnect.Enabled),
		mqttclient.WithMaxReconnects(c.Reconnect.MaxAttempts),
		mqttclient.WithResubscribe(c.Reconnect.Resubscribe),
	}

	if cl.ClientID != "" {
		opts = append(opts, mqttclient.WithClientID(cl.ClientID))
	}
	if cl.Username != "" || cl.Password != "" {
		opts = append(opts, mqttclient.WithCredentials(cl.Username, cl.Password))
	}
	if cl.ConnectTimeout > 0 {
		opts = append(opts, mqttclient.WithConnectTimeout(cl.ConnectTimeout))
	}
	if cl.WriteTimeout > 0 {
		opts = append(opts, mqttclient.WithWriteTimeout(cl.WriteTimeout))
	}
	if cl.MaxPacketSize > 0 {
		opts = append(opts, mqttclient.WithMaxPacketSize(cl.MaxPacketSize))
	}
	if cl.ReceiveMaximum > 0 {
		opts = append(opts, mqttclient.WithReceiveMaximum(cl.ReceiveMaximum))
	}
	if cl.TopicAliasMax > 0 {
		opts = append(opts, mqttclient.WithTopicAliasMaximum(cl.TopicAliasMax))
	}
	if cl.PublishRate > 0 {
		opts = append(opts, mqttclient.WithPublishRateLimit(cl.PublishRate, cl.PublishBurst))
	}
	if c.Reconnect.Backoff > 0 {
		opts = append(opts, mqttclient.WithReconnectBackoff(c.Reconnect.Backoff))
	}
	if c.Reconnect.MaxBackoff > 0 {
		opts = append(opts, mqttclient.WithMaxBackoff(c.Reconnect.MaxBackoff))
	}

	tlsConfig, err := c.TLSClientConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, mqttclient.WithTLS(tlsConfig))
	}

	switch {
	case c.Proxy.URL != "":
		opts = append(opts, mqttclient.WithProxy(mqttclient.ProxyConfig{
			URL:      c.Proxy.URL,
			Username: c.Proxy.Username,
			Password: c.Proxy.Password,
		}))
	case c.Proxy.FromEnvironment:
		opts = append(opts, mqttclient.WithProxyFromEnvironment())
	}

	if c.Auth.Method != "" {
		hash, ok := mqttclient.ParseSCRAMHash(c.Auth.Method)
		if !ok {
			return nil, fmt.Errorf("auth.method not supported: %s", c.Auth.Method)
		}
		opts = append(opts, mqttclient.WithEnhancedAuthentication(
			mqttclient.NewSCRAMClient(cl.Username, cl.Password, hash)))
	}

	if w := c.Will; w != nil {
		opts = append(opts, mqttclient.WithWill(&mqttclient.Will{
			Topic:         w.Topic,
			Payload:       []byte(w.Payload),
			QoS:           w.QoS,
			Retain:        w.Retain,
			DelayInterval: w.Delay,
		}))
	}

	if store != nil {
		opts = append(opts, mqttclient.WithStore(store))
	}
	if logger != nil {
		opts = append(opts, mqttclient.WithLogger(logger))
	}

	return opts, nil
}
