package mqttclient

// ProducerInterceptor sees every message before it is published. It may
// return a modified message, or nil to drop it.
type ProducerInterceptor interface {
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor sees every received message before subscription
// handlers run. It may return a modified message, or nil to drop it.
type ConsumerInterceptor interface {
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

// OnSend implements ProducerInterceptor.
func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume implements ConsumerInterceptor.
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// interceptorChain runs interceptors in order. A panicking interceptor is
// logged and skipped, leaving the message as it was.
type interceptorChain struct {
	producers []ProducerInterceptor
	consumers []ConsumerInterceptor
	logger    Logger
}

func (c *interceptorChain) send(msg *Message) *Message {
	for _, i := range c.producers {
		if msg == nil {
			return nil
		}
		msg = c.guard("producer", msg, i.OnSend)
	}
	return msg
}

func (c *interceptorChain) consume(msg *Message) *Message {
	for _, i := range c.consumers {
		if msg == nil {
			return nil
		}
		msg = c.guard("consumer", msg, i.OnConsume)
	}
	return msg
}

func (c *interceptorChain) guard(kind string, msg *Message, fn func(*Message) *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("interceptor panicked", LogFields{"kind": kind, "panic": r, LogFieldTopic: msg.Topic})
			result = msg
		}
	}()
	return fn(msg)
}
