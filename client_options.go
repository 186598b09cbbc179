package mqttclient

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// BackoffStrategy computes the delay before the next reconnect attempt from
// the 1-based attempt number, the previous delay and the last failure.
// The result is still capped by WithMaxBackoff.
type BackoffStrategy func(attempt int, current time.Duration, err error) time.Duration

// ServerResolver returns broker URLs (scheme://host:port). It is called
// before each connection attempt for dynamic discovery.
type ServerResolver func(ctx context.Context) ([]string, error)

// Default option values.
const (
	DefaultKeepAlive        uint16 = 60
	DefaultConnectTimeout          = 10 * time.Second
	DefaultWriteTimeout            = 5 * time.Second
	DefaultReconnectBackoff        = time.Second
	DefaultMaxBackoff              = 2 * time.Minute
	DefaultKeepAliveGrace          = 1.5
)

type clientOptions struct {
	servers        []string
	serverResolver ServerResolver

	version    ProtocolVersion
	clientID   string
	username   string
	password   []byte
	keepAlive  uint16
	cleanStart bool
	will       *Will

	// keepAliveGrace is the multiple of the keep-alive interval after
	// which a silent connection is considered dead.
	keepAliveGrace float64

	tlsConfig    *tls.Config
	wsHeader     http.Header
	dialer       Dialer
	proxy        *ProxyConfig
	proxyFromEnv bool

	connectTimeout time.Duration
	writeTimeout   time.Duration

	autoReconnect    bool
	maxReconnects    int
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	backoffStrategy  BackoffStrategy
	resubscribe      bool

	store   Store
	logger  Logger
	metrics Metrics
	onEvent EventHandler

	defaultHandler MessageHandler
	publishLimiter *rate.Limiter

	maxPacketSize         uint32
	sessionExpiryInterval uint32
	receiveMaximum        uint16
	topicAliasMaximum     uint16
	userProperties        []StringPair

	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor

	enhancedAuth ClientEnhancedAuthenticator
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		version:          ProtocolV5,
		keepAlive:        DefaultKeepAlive,
		keepAliveGrace:   DefaultKeepAliveGrace,
		cleanStart:       true,
		connectTimeout:   DefaultConnectTimeout,
		writeTimeout:     DefaultWriteTimeout,
		maxReconnects:    -1,
		reconnectBackoff: DefaultReconnectBackoff,
		maxBackoff:       DefaultMaxBackoff,
		resubscribe:      true,
		maxPacketSize:    MaxPacketSizeDefault,
		receiveMaximum:   65535,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithServers appends broker URLs. Servers are tried round-robin on each
// connection attempt.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithServerResolver sets a resolver consulted before each connection
// attempt. Static servers are used when it fails or returns nothing.
func WithServerResolver(resolver ServerResolver) Option {
	return func(o *clientOptions) {
		o.serverResolver = resolver
	}
}

// WithProtocolVersion selects MQTT 3.1.1 or 5.0.
func WithProtocolVersion(v ProtocolVersion) Option {
	return func(o *clientOptions) {
		o.version = v
	}
}

// WithClientID sets the client identifier. A unique identifier is
// generated when none is set.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables it.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithKeepAliveGrace sets how many keep-alive intervals may pass without
// any inbound packet before the connection is dropped. Values below 1 are
// ignored.
func WithKeepAliveGrace(factor float64) Option {
	return func(o *clientOptions) {
		if factor >= 1 {
			o.keepAliveGrace = factor
		}
	}
}

// WithCleanSession sets the v3.1.1 Clean Session flag, or the v5 Clean
// Start flag for the first connection.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithCleanStart is WithCleanSession under its v5 name.
func WithCleanStart(clean bool) Option {
	return WithCleanSession(clean)
}

// WithSessionExpiryInterval sets the v5 session expiry in seconds. A non-zero
// value makes the session persistent across connections.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiryInterval = seconds
	}
}

// WithWill sets the Last Will message.
func WithWill(will *Will) Option {
	return func(o *clientOptions) {
		o.will = will
	}
}

// WithTLS sets the TLS configuration for tls, ssl, mqtts, wss and quic URLs.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithWebSocketHeader sets extra HTTP headers for the WebSocket handshake.
func WithWebSocketHeader(header http.Header) Option {
	return func(o *clientOptions) {
		o.wsHeader = header
	}
}

// WithDialer replaces the scheme based transport selection.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithProxy routes TCP, TLS and WebSocket connections through a proxy.
func WithProxy(cfg ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = &cfg
	}
}

// WithProxyFromEnvironment looks the proxy up from HTTP_PROXY, HTTPS_PROXY
// and NO_PROXY for each connection attempt.
func WithProxyFromEnvironment() Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// WithConnectTimeout bounds dialing plus the CONNECT/CONNACK exchange.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout bounds a single packet write. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithAutoReconnect enables reconnecting after an unexpected connection loss.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithMaxReconnects limits consecutive reconnect attempts. Zero or a
// negative value means unlimited.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithReconnectBackoff sets the delay before the first reconnect attempt.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxBackoff caps the delay between reconnect attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxBackoff = d
	}
}

// WithBackoffStrategy replaces the default doubling backoff.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *clientOptions) {
		o.backoffStrategy = strategy
	}
}

// WithResubscribe controls whether subscriptions are sent again when the
// broker reports no session after a reconnect. Enabled by default.
func WithResubscribe(enabled bool) Option {
	return func(o *clientOptions) {
		o.resubscribe = enabled
	}
}

// WithStore sets the store for in-flight QoS 1 and QoS 2 state. The default
// is a MemoryStore. The client does not close the store.
func WithStore(store Store) Option {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// OnEvent sets the handler for lifecycle events and asynchronous errors.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// WithDefaultHandler receives messages that match no subscription, such
// as redeliveries of a resumed session.
func WithDefaultHandler(handler MessageHandler) Option {
	return func(o *clientOptions) {
		o.defaultHandler = handler
	}
}

// WithPublishRateLimit limits outgoing PUBLISH packets to perSecond with the
// given burst. Publish blocks until a slot is free.
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		if perSecond <= 0 {
			o.publishLimiter = nil
			return
		}
		o.publishLimiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithMaxPacketSize limits inbound packets. Values above the protocol
// maximum are clamped.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		if size > MaxPacketSizeProtocol {
			size = MaxPacketSizeProtocol
		}
		o.maxPacketSize = size
	}
}

// WithReceiveMaximum sets how many inbound QoS 1 and QoS 2 messages the
// broker may have unacknowledged at once (v5).
func WithReceiveMaximum(n uint16) Option {
	return func(o *clientOptions) {
		o.receiveMaximum = n
	}
}

// WithTopicAliasMaximum sets how many inbound topic aliases we accept (v5).
func WithTopicAliasMaximum(n uint16) Option {
	return func(o *clientOptions) {
		o.topicAliasMaximum = n
	}
}

// WithUserProperties appends CONNECT user properties (v5).
func WithUserProperties(props ...StringPair) Option {
	return func(o *clientOptions) {
		o.userProperties = append(o.userProperties, props...)
	}
}

// WithProducerInterceptors appends interceptors applied before publishing.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors appends interceptors applied before delivery.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// WithEnhancedAuthentication sets the v5 AUTH exchange handler.
func WithEnhancedAuthentication(auth ClientEnhancedAuthenticator) Option {
	return func(o *clientOptions) {
		o.enhancedAuth = auth
	}
}

func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// persistent reports whether in-flight state outlives a connection.
func (o *clientOptions) persistent() bool {
	if o.version == ProtocolV5 {
		return o.sessionExpiryInterval > 0
	}
	return !o.cleanStart
}

// cleanFlag is the clean flag sent in CONNECT. A v5 session that persists
// only starts clean on the first connection.
func (o *clientOptions) cleanFlag(initial bool) bool {
	if o.version == ProtocolV5 && o.persistent() {
		return initial && o.cleanStart
	}
	return o.cleanStart
}

// CallOption configures a single client operation.
type CallOption func(*callOptions)

type callOptions struct {
	ctx     context.Context
	userCtx any
}

// WithUserContext attaches a value returned by Token.UserContext.
func WithUserContext(v any) CallOption {
	return func(o *callOptions) {
		o.userCtx = v
	}
}

// WithContext bounds the blocking part of an operation, such as the wait
// for a publish rate limit slot.
func WithContext(ctx context.Context) CallOption {
	return func(o *callOptions) {
		o.ctx = ctx
	}
}

func applyCallOptions(opts []CallOption) callOptions {
	co := callOptions{ctx: context.Background()}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}
