package mqttclient

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrTokenTimeout is returned by Wait helpers of callers that give up waiting.
// The operation itself keeps running.
var ErrTokenTimeout = errors.New("timed out waiting for token")

// Token is the handle for one asynchronous client action. It completes
// exactly once, either with a nil error or with the failure reason.
type Token interface {
	// Wait blocks until the action completes and returns its error.
	Wait() error

	// WaitTimeout waits at most d and reports whether the action completed.
	// A timeout does not cancel the action.
	WaitTimeout(d time.Duration) bool

	// WaitContext waits until the action completes or ctx is done.
	WaitContext(ctx context.Context) error

	// Done is closed on completion.
	Done() <-chan struct{}

	// Error returns the outcome, nil while the action is pending.
	Error() error

	// IsComplete reports whether the action has completed.
	IsComplete() bool

	// UserContext returns the value passed with the request.
	UserContext() any

	// OnComplete registers fn to run after completion. Callbacks run on the
	// client's callback goroutine, never on the network reader.
	OnComplete(fn func(Token))
}

type completer interface {
	Token
	complete(err error) bool
}

type baseToken struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	userCtx   any
	callbacks []func(Token)
	queue     *callbackQueue
	self      Token
}

func (t *baseToken) init(self Token, q *callbackQueue, userCtx any) {
	t.done = make(chan struct{})
	t.self = self
	t.queue = q
	t.userCtx = userCtx
}

// complete resolves the token. It reports false if it was already resolved.
func (t *baseToken) complete(err error) bool {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return false
	default:
	}
	t.err = err
	close(t.done)
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		t.schedule(fn)
	}
	return true
}

func (t *baseToken) schedule(fn func(Token)) {
	self := t.self
	run := func() { fn(self) }
	if t.queue == nil || !t.queue.push(run) {
		go run()
	}
}

func (t *baseToken) Wait() error {
	<-t.done
	return t.Error()
}

func (t *baseToken) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *baseToken) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *baseToken) Done() <-chan struct{} { return t.done }

func (t *baseToken) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *baseToken) IsComplete() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *baseToken) UserContext() any { return t.userCtx }

func (t *baseToken) OnComplete(fn func(Token)) {
	if fn == nil {
		return
	}

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		t.schedule(fn)
		return
	default:
	}
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// ConnectToken completes when CONNACK arrives or the attempt fails.
type ConnectToken struct {
	baseToken
	sessionPresent bool
	reasonCode     ReasonCode
}

func newConnectToken(q *callbackQueue, userCtx any) *ConnectToken {
	t := &ConnectToken{}
	t.init(t, q, userCtx)
	return t
}

// SessionPresent reports whether the broker resumed a stored session.
func (t *ConnectToken) SessionPresent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionPresent
}

// ReasonCode returns the CONNACK reason code.
func (t *ConnectToken) ReasonCode() ReasonCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reasonCode
}

func (t *ConnectToken) setResult(sessionPresent bool, code ReasonCode) {
	t.mu.Lock()
	t.sessionPresent = sessionPresent
	t.reasonCode = code
	t.mu.Unlock()
}

// PublishToken completes when the delivery handshake for its QoS finishes.
// QoS 0 tokens complete once the packet is written.
type PublishToken struct {
	baseToken
	msg      *Message
	packetID uint16
}

func newPublishToken(q *callbackQueue, msg *Message, userCtx any) *PublishToken {
	t := &PublishToken{msg: msg}
	t.init(t, q, userCtx)
	return t
}

// Message returns a copy of the published message.
func (t *PublishToken) Message() *Message { return t.msg.Clone() }

// PacketID returns the identifier assigned to the message, zero for QoS 0.
func (t *PublishToken) PacketID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packetID
}

func (t *PublishToken) setPacketID(id uint16) {
	t.mu.Lock()
	t.packetID = id
	t.mu.Unlock()
}

// SubscribeToken completes when SUBACK arrives. If any filter is refused
// the token fails with a SubscribeError per refused filter, while accepted
// filters are still reported by GrantedQoS.
type SubscribeToken struct {
	baseToken
	filters []string
	results map[string]ReasonCode
}

func newSubscribeToken(q *callbackQueue, filters []string, userCtx any) *SubscribeToken {
	t := &SubscribeToken{filters: filters}
	t.init(t, q, userCtx)
	return t
}

// Filters returns the requested topic filters in request order.
func (t *SubscribeToken) Filters() []string {
	return append([]string(nil), t.filters...)
}

// Results maps every filter to the reason code the broker returned.
func (t *SubscribeToken) Results() map[string]ReasonCode {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ReasonCode, len(t.results))
	for k, v := range t.results {
		out[k] = v
	}
	return out
}

// GrantedQoS maps each accepted filter to its granted QoS.
func (t *SubscribeToken) GrantedQoS() map[string]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]byte, len(t.results))
	for k, v := range t.results {
		if !v.IsError() {
			out[k] = byte(v)
		}
	}
	return out
}

// resolveSuback records per-filter results and completes the token.
func (t *SubscribeToken) resolveSuback(codes []ReasonCode) bool {
	if len(codes) != len(t.filters) {
		return t.complete(ErrProtocolViolation)
	}

	results := make(map[string]ReasonCode, len(codes))
	var errs []error
	for i, code := range codes {
		results[t.filters[i]] = code
		if code.IsError() {
			errs = append(errs, NewSubscribeError(t.filters[i], code))
		}
	}

	t.mu.Lock()
	t.results = results
	t.mu.Unlock()

	return t.complete(errors.Join(errs...))
}

// UnsubscribeToken completes when UNSUBACK arrives.
type UnsubscribeToken struct {
	baseToken
	filters []string
	results []ReasonCode
}

func newUnsubscribeToken(q *callbackQueue, filters []string, userCtx any) *UnsubscribeToken {
	t := &UnsubscribeToken{filters: filters}
	t.init(t, q, userCtx)
	return t
}

// Filters returns the filters being removed.
func (t *UnsubscribeToken) Filters() []string {
	return append([]string(nil), t.filters...)
}

// ReasonCodes returns the v5 UNSUBACK reason codes. Empty for v3.1.1.
func (t *UnsubscribeToken) ReasonCodes() []ReasonCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ReasonCode(nil), t.results...)
}

func (t *UnsubscribeToken) setResults(codes []ReasonCode) {
	t.mu.Lock()
	t.results = append([]ReasonCode(nil), codes...)
	t.mu.Unlock()
}

// DisconnectToken completes once the client has torn the connection down.
type DisconnectToken struct {
	baseToken
}

func newDisconnectToken(q *callbackQueue, userCtx any) *DisconnectToken {
	t := &DisconnectToken{}
	t.init(t, q, userCtx)
	return t
}

// Registry keys.
const (
	connectKey    = "connect"
	disconnectKey = "disconnect"
)

func publishKey(id uint16) string     { return "pub-" + strconv.Itoa(int(id)) }
func subscribeKey(id uint16) string   { return "sub-" + strconv.Itoa(int(id)) }
func unsubscribeKey(id uint16) string { return "unsub-" + strconv.Itoa(int(id)) }

// tokenRegistry tracks pending tokens by packet identifier or by a fixed
// key for connect and disconnect.
type tokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]completer
	logger Logger
}

func newTokenRegistry(logger Logger) *tokenRegistry {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &tokenRegistry{
		tokens: make(map[string]completer),
		logger: logger,
	}
}

// register tracks t under key. A token already held under key is failed.
func (r *tokenRegistry) register(key string, t completer) {
	r.mu.Lock()
	old, ok := r.tokens[key]
	r.tokens[key] = t
	r.mu.Unlock()

	if ok && old != t {
		r.logger.Warn("replacing pending token", LogFields{"key": key})
		old.complete(ErrProtocolViolation)
	}
}

// take removes and returns the token held under key.
func (r *tokenRegistry) take(key string) (completer, bool) {
	r.mu.Lock()
	t, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("no pending token", LogFields{"key": key})
	}
	return t, ok
}

// get returns the token held under key without removing it.
func (r *tokenRegistry) get(key string) (completer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[key]
	return t, ok
}

// resolve completes the token held under key. Unknown or already
// completed keys are logged and otherwise ignored.
func (r *tokenRegistry) resolve(key string, err error) bool {
	t, ok := r.take(key)
	if !ok {
		return false
	}
	if !t.complete(err) {
		r.logger.Warn("token already completed", LogFields{"key": key})
		return false
	}
	return true
}

// failAll completes every pending token with err, except those for which
// keep returns true, and returns the keys it failed.
func (r *tokenRegistry) failAll(err error, keep func(key string) bool) []string {
	r.mu.Lock()
	var (
		keys   []string
		failed []completer
	)
	for key, t := range r.tokens {
		if keep != nil && keep(key) {
			continue
		}
		keys = append(keys, key)
		failed = append(failed, t)
		delete(r.tokens, key)
	}
	r.mu.Unlock()

	for _, t := range failed {
		t.complete(err)
	}
	return keys
}

// publishTokens returns the pending publish tokens.
func (r *tokenRegistry) publishTokens() []*PublishToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*PublishToken
	for _, t := range r.tokens {
		if pt, ok := t.(*PublishToken); ok {
			out = append(out, pt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PacketID() < out[j].PacketID() })
	return out
}

func (r *tokenRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// callbackQueue runs application callbacks one at a time on its own
// goroutine. push never blocks, so the network reader cannot be held up
// by slow callback code.
type callbackQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
	logger Logger
}

func newCallbackQueue(logger Logger) *callbackQueue {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	q := &callbackQueue{
		done:   make(chan struct{}),
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push appends fn. It reports false once the queue is closed.
func (q *callbackQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// close stops accepting callbacks. Queued callbacks still run.
func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// wait blocks until every queued callback has run after close.
func (q *callbackQueue) wait() { <-q.done }

func (q *callbackQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

func (q *callbackQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("callback panicked", LogFields{"panic": r})
		}
	}()
	fn()
}
