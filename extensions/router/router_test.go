package router

import (
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/mqttclient"
)

func TestRouterHandle(t *testing.T) {
	r := New()

	var called bool
	r.Handle(func(_ *mqttclient.Message) {
		called = true
	}, WithTopic("test/topic"))

	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Route(&mqttclient.Message{Topic: "test/topic"}))
	assert.True(t, called)
}

func TestRouterExactMatch(t *testing.T) {
	r := New()

	var received string
	r.Handle(func(msg *mqttclient.Message) {
		received = msg.Topic
	}, WithTopic("sensors/temperature"))

	r.Route(&mqttclient.Message{Topic: "sensors/temperature"})
	assert.Equal(t, "sensors/temperature", received)

	received = ""
	assert.False(t, r.Route(&mqttclient.Message{Topic: "sensors/humidity"}))
	assert.Empty(t, received)
}

func TestRouterWildcards(t *testing.T) {
	r := New()

	var single, multi []string
	r.Handle(func(msg *mqttclient.Message) {
		single = append(single, msg.Topic)
	}, WithTopic("sensors/+/value"))
	r.Handle(func(msg *mqttclient.Message) {
		multi = append(multi, msg.Topic)
	}, WithTopic("sensors/#"))

	for _, topic := range []string{"sensors", "sensors/temp/value", "sensors/humidity/value", "sensors/temp/other", "other/topic"} {
		r.Route(&mqttclient.Message{Topic: topic})
	}

	assert.Equal(t, []string{"sensors/temp/value", "sensors/humidity/value"}, single)
	require.Len(t, multi, 4)
	assert.NotContains(t, multi, "other/topic")
}

func TestRouterFilters(t *testing.T) {
	r := New()
	r.Handle(func(*mqttclient.Message) {}, WithTopic("b/#"))
	r.Handle(func(*mqttclient.Message) {}, WithTopic("a/+"))
	r.Handle(func(*mqttclient.Message) {}, WithTopic("b/#"))
	r.Handle(func(*mqttclient.Message) {})

	assert.Equal(t, []string{"a/+", "b/#"}, r.Filters())
	assert.Equal(t, 4, r.Len())

	r.Clear()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Filters())
}

func TestRouterSubscriptions(t *testing.T) {
	r := New()
	r.Handle(func(*mqttclient.Message) {}, WithTopic("alerts/#"), WithQoS(2))
	r.Handle(func(*mqttclient.Message) {}, WithTopic("alerts/#"), WithQoS(1))
	r.Handle(func(*mqttclient.Message) {}, WithTopic("metrics/+"))

	subs := r.Subscriptions(0)
	assert.Equal(t, []mqttclient.Subscription{
		{TopicFilter: "alerts/#", QoS: 2},
		{TopicFilter: "metrics/+", QoS: 0},
	}, subs)
}

func TestRouterNilMessage(t *testing.T) {
	r := New()
	var called bool
	r.Handle(func(*mqttclient.Message) { called = true })

	assert.False(t, r.Route(nil))
	assert.False(t, called)
}

func TestRouterNotFound(t *testing.T) {
	r := New()
	var matched, missed []string
	r.Handle(func(msg *mqttclient.Message) { matched = append(matched, msg.Topic) }, WithTopic("known"))
	r.NotFound(func(msg *mqttclient.Message) { missed = append(missed, msg.Topic) })

	r.Route(&mqttclient.Message{Topic: "known"})
	r.Route(&mqttclient.Message{Topic: "unknown"})

	assert.Equal(t, []string{"known"}, matched)
	assert.Equal(t, []string{"unknown"}, missed)
}

func TestRouterMessageHandler(t *testing.T) {
	r := New()
	var count atomic.Int32
	r.Handle(func(*mqttclient.Message) { count.Add(1) }, WithTopic("a/#"))
	r.Handle(func(*mqttclient.Message) { count.Add(1) }, WithTopic("a/b"))

	handler := r.MessageHandler()
	handler(&mqttclient.Message{Topic: "a/b"})
	assert.Equal(t, int32(2), count.Load())
}

func TestRouterConditions(t *testing.T) {
	tests := []struct {
		name  string
		opts  []ConditionOption
		match *mqttclient.Message
		miss  *mqttclient.Message
	}{
		{
			name:  "qos",
			opts:  []ConditionOption{WithQoS(1)},
			match: &mqttclient.Message{Topic: "t", QoS: 1},
			miss:  &mqttclient.Message{Topic: "t", QoS: 0},
		},
		{
			name:  "retained",
			opts:  []ConditionOption{WithRetained(true)},
			match: &mqttclient.Message{Topic: "t", Retain: true},
			miss:  &mqttclient.Message{Topic: "t"},
		},
		{
			name:  "live only",
			opts:  []ConditionOption{WithRetained(false)},
			match: &mqttclient.Message{Topic: "t"},
			miss:  &mqttclient.Message{Topic: "t", Retain: true},
		},
		{
			name:  "subscription id",
			opts:  []ConditionOption{WithSubscriptionID(7)},
			match: &mqttclient.Message{Topic: "t", SubscriptionIdentifiers: []uint32{3, 7}},
			miss:  &mqttclient.Message{Topic: "t", SubscriptionIdentifiers: []uint32{3}},
		},
		{
			name:  "content type",
			opts:  []ConditionOption{WithContentType(regexp.MustCompile(`^application/json`))},
			match: &mqttclient.Message{Topic: "t", ContentType: "application/json; charset=utf-8"},
			miss:  &mqttclient.Message{Topic: "t", ContentType: "text/plain"},
		},
		{
			name:  "response topic",
			opts:  []ConditionOption{WithResponseTopic(regexp.MustCompile(`^replies/`))},
			match: &mqttclient.Message{Topic: "t", ResponseTopic: "replies/1"},
			miss:  &mqttclient.Message{Topic: "t"},
		},
		{
			name: "user properties",
			opts: []ConditionOption{
				WithUserProperty(regexp.MustCompile(`^region$`), regexp.MustCompile(`^eu-`)),
				WithUserProperty(regexp.MustCompile(`^tier$`), regexp.MustCompile(`^gold$`)),
			},
			match: &mqttclient.Message{Topic: "t", UserProperties: []mqttclient.StringPair{
				{Key: "region", Value: "eu-west"}, {Key: "tier", Value: "gold"},
			}},
			miss: &mqttclient.Message{Topic: "t", UserProperties: []mqttclient.StringPair{
				{Key: "region", Value: "eu-west"},
			}},
		},
		{
			name:  "combined",
			opts:  []ConditionOption{WithTopic("s/#"), WithQoS(2)},
			match: &mqttclient.Message{Topic: "s/x", QoS: 2},
			miss:  &mqttclient.Message{Topic: "other", QoS: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			var hits int
			r.Handle(func(*mqttclient.Message) { hits++ }, tt.opts...)

			r.Route(tt.match)
			assert.Equal(t, 1, hits)
			r.Route(tt.miss)
			assert.Equal(t, 1, hits)
		})
	}
}

func TestRouterConcurrentAccess(t *testing.T) {
	r := New()
	var count atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Handle(func(*mqttclient.Message) { count.Add(1) }, WithTopic("c/#"))
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Route(&mqttclient.Message{Topic: "c/x"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len())
	count.Store(0)
	r.Route(&mqttclient.Message{Topic: "c/x"})
	assert.Equal(t, int64(10), count.Load())
}
