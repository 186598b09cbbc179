package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterceptorChain(t *testing.T) {
	var order []string
	chain := &interceptorChain{
		producers: []ProducerInterceptor{
			ProducerInterceptorFunc(func(msg *Message) *Message {
				order = append(order, "first")
				msg.Topic = "prefix/" + msg.Topic
				return msg
			}),
			ProducerInterceptorFunc(func(msg *Message) *Message {
				order = append(order, "second")
				return msg
			}),
		},
		logger: NewNoOpLogger(),
	}

	out := chain.send(&Message{Topic: "a"})
	require.NotNil(t, out)
	assert.Equal(t, "prefix/a", out.Topic)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestInterceptorChainDrop(t *testing.T) {
	called := false
	chain := &interceptorChain{
		consumers: []ConsumerInterceptor{
			ConsumerInterceptorFunc(func(*Message) *Message { return nil }),
			ConsumerInterceptorFunc(func(msg *Message) *Message {
				called = true
				return msg
			}),
		},
		logger: NewNoOpLogger(),
	}

	assert.Nil(t, chain.consume(&Message{Topic: "a"}))
	assert.False(t, called)
}

func TestInterceptorChainPanic(t *testing.T) {
	chain := &interceptorChain{
		consumers: []ConsumerInterceptor{
			ConsumerInterceptorFunc(func(*Message) *Message { panic("boom") }),
			ConsumerInterceptorFunc(func(msg *Message) *Message {
				msg.Payload = []byte("after")
				return msg
			}),
		},
		logger: NewNoOpLogger(),
	}

	out := chain.consume(&Message{Topic: "a"})
	require.NotNil(t, out)
	assert.Equal(t, []byte("after"), out.Payload)
}
