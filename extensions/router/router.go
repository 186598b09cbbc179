// Package router dispatches messages received by a client to handlers
// selected by topic filter and message metadata.
package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqttclient"
)

// Handler processes an MQTT message.
type Handler func(msg *mqttclient.Message)

type userPropertyMatcher struct {
	keyPattern   *regexp.Regexp
	valuePattern *regexp.Regexp
}

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter         *string
	qos                 *byte
	retained            *bool
	subscriptionID      *uint32
	contentTypeRegexp   *regexp.Regexp
	responseTopicRegexp *regexp.Regexp
	userProperties      []userPropertyMatcher
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by the QoS they were delivered with.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetained matches only retained, or only live, messages.
func WithRetained(retained bool) ConditionOption {
	return func(c *Condition) {
		c.retained = &retained
	}
}

// WithSubscriptionID matches messages the broker tagged with id (v5).
func WithSubscriptionID(id uint32) ConditionOption {
	return func(c *Condition) {
		c.subscriptionID = &id
	}
}

// WithContentType filters messages by content type regexp pattern.
func WithContentType(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.contentTypeRegexp = pattern
	}
}

// WithResponseTopic filters messages by response topic regexp pattern.
func WithResponseTopic(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.responseTopicRegexp = pattern
	}
}

// WithUserProperty filters messages by user property key/value regexp patterns.
// Both key and value must match for the condition to pass.
// Can be called multiple times to match multiple properties.
func WithUserProperty(keyPattern, valuePattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.userProperties = append(c.userProperties, userPropertyMatcher{
			keyPattern:   keyPattern,
			valuePattern: valuePattern,
		})
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
	fallback Handler
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(handler, WithTopic("sensors/#"), WithContentType(regexp.MustCompile(`^application/json`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

// NotFound sets the handler for messages no condition matches.
func (r *Router) NotFound(handler Handler) {
	r.mu.Lock()
	r.fallback = handler
	r.mu.Unlock()
}

func (c *Condition) matches(msg *mqttclient.Message) bool {
	if c.topicFilter != nil && !mqttclient.TopicMatch(*c.topicFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retained != nil && *c.retained != msg.Retain {
		return false
	}
	if c.subscriptionID != nil && !slices.Contains(msg.SubscriptionIdentifiers, *c.subscriptionID) {
		return false
	}
	if c.contentTypeRegexp != nil && !c.contentTypeRegexp.MatchString(msg.ContentType) {
		return false
	}
	if c.responseTopicRegexp != nil && !c.responseTopicRegexp.MatchString(msg.ResponseTopic) {
		return false
	}
	if len(c.userProperties) > 0 && !c.matchUserProperties(msg.UserProperties) {
		return false
	}
	return true
}

// matchUserProperties checks if all user property matchers find a match.
func (c *Condition) matchUserProperties(props []mqttclient.StringPair) bool {
	for _, matcher := range c.userProperties {
		found := false
		for _, prop := range props {
			if matcher.keyPattern.MatchString(prop.Key) && matcher.valuePattern.MatchString(prop.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Route dispatches a message to all matching handlers, or to the NotFound
// handler when none match. It reports whether any handler ran.
func (r *Router) Route(msg *mqttclient.Message) bool {
	if msg == nil {
		return false
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	fallback := r.fallback
	r.mu.RUnlock()

	if len(matched) == 0 && fallback != nil {
		matched = append(matched, fallback)
	}
	for _, handler := range matched {
		handler(msg)
	}
	return len(matched) > 0
}

// Filters returns all unique registered topic filters, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			seen[*reg.condition.topicFilter] = struct{}{}
		}
	}

	filters := make([]string, 0, len(seen))
	for filter := range seen {
		filters = append(filters, filter)
	}
	slices.Sort(filters)
	return filters
}

// Subscriptions returns one subscription per registered filter. A filter
// registered with WithQoS subscribes at the highest QoS asked for; the
// others use qos.
func (r *Router) Subscriptions(qos byte) []mqttclient.Subscription {
	r.mu.RLock()
	levels := make(map[string]byte)
	for _, reg := range r.handlers {
		f := reg.condition.topicFilter
		if f == nil {
			continue
		}
		want := qos
		if reg.condition.qos != nil {
			want = *reg.condition.qos
		}
		if cur, ok := levels[*f]; !ok || want > cur {
			levels[*f] = want
		}
	}
	r.mu.RUnlock()

	subs := make([]mqttclient.Subscription, 0, len(levels))
	for _, f := range r.Filters() {
		if q, ok := levels[f]; ok {
			subs = append(subs, mqttclient.Subscription{TopicFilter: f, QoS: q})
		}
	}
	return subs
}

// Subscribe subscribes client to every registered filter with the router
// as handler.
func (r *Router) Subscribe(client *mqttclient.Client, qos byte, opts ...mqttclient.CallOption) *mqttclient.SubscribeToken {
	return client.SubscribeMultiple(r.Subscriptions(qos), r.MessageHandler(), opts...)
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.fallback = nil
	r.mu.Unlock()
}

// MessageHandler returns the router as a mqttclient.MessageHandler, for
// Client.Subscribe or mqttclient.WithDefaultHandler.
func (r *Router) MessageHandler() mqttclient.MessageHandler {
	return func(msg *mqttclient.Message) {
		r.Route(msg)
	}
}
