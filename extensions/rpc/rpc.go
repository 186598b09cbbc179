// Package rpc provides request/response on top of an MQTT 5.0 client.
// Requests carry a response topic and correlation data; responses are
// matched to waiting callers by correlation data.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/vitalvas/mqttclient"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClientClosed is returned when the client is not connected or the
	// handler is closed during a request.
	ErrClientClosed = errors.New("rpc: client closed")
)

// Headers are transmitted as MQTT 5.0 user properties.
type Headers map[string]string

// Request represents an RPC request with optional headers.
type Request struct {
	Payload     []byte
	Headers     Headers
	ContentType string
}

// Response represents an RPC response with headers.
type Response struct {
	Payload         []byte
	Headers         Headers
	ContentType     string
	CorrelationData []byte
}

// Client is the part of *mqttclient.Client the handler needs.
type Client interface {
	ClientID() string
	IsConnected() bool
	Subscribe(filter string, qos byte, handler mqttclient.MessageHandler, opts ...mqttclient.CallOption) *mqttclient.SubscribeToken
	Unsubscribe(filters []string, opts ...mqttclient.CallOption) *mqttclient.UnsubscribeToken
	Publish(msg *mqttclient.Message, opts ...mqttclient.CallOption) *mqttclient.PublishToken
}

var _ Client = (*mqttclient.Client)(nil)

// Handler sends requests and routes responses back to their callers.
type Handler struct {
	mu            sync.Mutex
	client        Client
	pending       map[string]chan *Response
	responseTopic string
	qos           byte
}

// HandlerOptions configures the RPC handler.
type HandlerOptions struct {
	// ResponseTopic defaults to "rpc/response/{clientID}".
	ResponseTopic string

	// QoS is used for requests and the response subscription.
	QoS byte
}

// NewHandler subscribes to the response topic and waits for the broker
// to confirm.
func NewHandler(ctx context.Context, client Client, opts *HandlerOptions) (*Handler, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}
	if opts == nil {
		opts = &HandlerOptions{}
	}

	responseTopic := opts.ResponseTopic
	if responseTopic == "" {
		responseTopic = "rpc/response/" + client.ClientID()
	}

	h := &Handler{
		client:        client,
		pending:       make(map[string]chan *Response),
		responseTopic: responseTopic,
		qos:           opts.QoS,
	}

	if err := client.Subscribe(responseTopic, opts.QoS, h.handleResponse).WaitContext(ctx); err != nil {
		return nil, fmt.Errorf("rpc: subscribe to response topic: %w", err)
	}
	return h, nil
}

// ResponseTopic returns the configured response topic.
func (h *Handler) ResponseTopic() string {
	return h.responseTopic
}

// Call publishes req to topic and blocks until the response arrives or
// ctx ends. It must not be called from a message handler: responses are
// delivered on the same callback goroutine.
func (h *Handler) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if !h.client.IsConnected() {
		return nil, ErrClientClosed
	}
	if req == nil {
		req = &Request{}
	}

	correlID := xid.New().String()
	respChan := make(chan *Response, 1)
	h.mu.Lock()
	h.pending[correlID] = respChan
	h.mu.Unlock()
	defer h.forget(correlID)

	msg := &mqttclient.Message{
		Topic:           topic,
		Payload:         req.Payload,
		QoS:             h.qos,
		ResponseTopic:   h.responseTopic,
		CorrelationData: []byte(correlID),
		ContentType:     req.ContentType,
	}
	for k, v := range req.Headers {
		msg.UserProperties = append(msg.UserProperties, mqttclient.StringPair{Key: k, Value: v})
	}

	if err := h.client.Publish(msg).WaitContext(ctx); err != nil {
		return nil, h.waitError(ctx, fmt.Errorf("rpc: publish request: %w", err))
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrClientClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, h.waitError(ctx, ctx.Err())
	}
}

func (h *Handler) waitError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// CallWithTimeout calls Call with a timeout context.
func (h *Handler) CallWithTimeout(topic string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, topic, req)
}

// Request sends payload without headers.
func (h *Handler) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return h.Call(ctx, topic, &Request{Payload: payload})
}

// Close fails pending calls and unsubscribes from the response topic.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.mu.Unlock()

	return h.client.Unsubscribe([]string{h.responseTopic}).WaitContext(ctx)
}

func (h *Handler) forget(correlID string) {
	h.mu.Lock()
	delete(h.pending, correlID)
	h.mu.Unlock()
}

func (h *Handler) handleResponse(msg *mqttclient.Message) {
	if msg == nil || len(msg.CorrelationData) == 0 {
		return
	}

	resp := &Response{
		Payload:         msg.Payload,
		ContentType:     msg.ContentType,
		CorrelationData: msg.CorrelationData,
	}
	if len(msg.UserProperties) > 0 {
		resp.Headers = make(Headers, len(msg.UserProperties))
		for _, prop := range msg.UserProperties {
			resp.Headers[prop.Key] = prop.Value
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.pending[string(msg.CorrelationData)]
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Responder returns a subscription handler that runs fn for each request
// and publishes the result to the request's response topic. Messages
// without a response topic and nil results are dropped.
func Responder(client Client, qos byte, fn func(req *mqttclient.Message) *Response) mqttclient.MessageHandler {
	return func(msg *mqttclient.Message) {
		if msg.ResponseTopic == "" {
			return
		}
		resp := fn(msg)
		if resp == nil {
			return
		}

		reply := &mqttclient.Message{
			Topic:           msg.ResponseTopic,
			Payload:         resp.Payload,
			QoS:             qos,
			ContentType:     resp.ContentType,
			CorrelationData: msg.CorrelationData,
		}
		for k, v := range resp.Headers {
			reply.UserProperties = append(reply.UserProperties, mqttclient.StringPair{Key: k, Value: v})
		}
		client.Publish(reply)
	}
}
