package rpc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/mqttclient"
	"github.com/vitalvas/mqttclient/internal/testbroker"
)

func newConnectedClient(t *testing.T, b *testbroker.Broker, id string) *mqttclient.Client {
	t.Helper()
	c, err := mqttclient.NewClient(
		mqttclient.WithServers("tcp://broker.test:1883"),
		mqttclient.WithClientID(id),
		mqttclient.WithDialer(b.Dialer()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()).Wait())
	return c
}

func startEchoService(t *testing.T, b *testbroker.Broker) {
	t.Helper()
	server := newConnectedClient(t, b, "echo-service")
	handler := Responder(server, mqttclient.QoS1, func(req *mqttclient.Message) *Response {
		if string(req.Payload) == "ignore" {
			return nil
		}
		headers := Headers{"served-by": "echo"}
		for _, up := range req.UserProperties {
			headers["echo-"+up.Key] = up.Value
		}
		return &Response{
			Payload:     []byte(strings.ToUpper(string(req.Payload))),
			ContentType: req.ContentType,
			Headers:     headers,
		}
	})
	require.NoError(t, server.Subscribe("svc/echo", mqttclient.QoS1, handler).Wait())
}

func TestHandlerCall(t *testing.T) {
	b := testbroker.New(mqttclient.ProtocolV5)
	t.Cleanup(b.Close)
	startEchoService(t, b)

	client := newConnectedClient(t, b, "caller")
	h, err := NewHandler(context.Background(), client, &HandlerOptions{QoS: mqttclient.QoS1})
	require.NoError(t, err)
	assert.Equal(t, "rpc/response/caller", h.ResponseTopic())

	resp, err := h.Call(context.Background(), "svc/echo", &Request{
		Payload:     []byte("hello"),
		ContentType: "text/plain",
		Headers:     Headers{"trace": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), resp.Payload)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Equal(t, "echo", resp.Headers["served-by"])
	assert.Equal(t, "abc", resp.Headers["echo-trace"])
	assert.NotEmpty(t, resp.CorrelationData)

	resp, err = h.Request(context.Background(), "svc/echo", []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, []byte("AGAIN"), resp.Payload)
}

func TestHandlerConcurrentCalls(t *testing.T) {
	b := testbroker.New(mqttclient.ProtocolV5)
	t.Cleanup(b.Close)
	startEchoService(t, b)

	client := newConnectedClient(t, b, "caller")
	h, err := NewHandler(context.Background(), client, nil)
	require.NoError(t, err)

	words := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	results := make(chan string, len(words))
	for _, w := range words {
		go func() {
			resp, err := h.CallWithTimeout("svc/echo", &Request{Payload: []byte(w)}, 2*time.Second)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- w + "=" + string(resp.Payload)
		}()
	}

	for range words {
		r := <-results
		word, upper, ok := strings.Cut(r, "=")
		require.True(t, ok, r)
		assert.Equal(t, strings.ToUpper(word), upper)
	}
}

func TestHandlerTimeout(t *testing.T) {
	b := testbroker.New(mqttclient.ProtocolV5)
	t.Cleanup(b.Close)
	startEchoService(t, b)

	client := newConnectedClient(t, b, "caller")
	h, err := NewHandler(context.Background(), client, &HandlerOptions{ResponseTopic: "replies/caller"})
	require.NoError(t, err)

	_, err = h.CallWithTimeout("svc/echo", &Request{Payload: []byte("ignore")}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = h.CallWithTimeout("svc/nobody", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandlerCancel(t *testing.T) {
	b := testbroker.New(mqttclient.ProtocolV5)
	t.Cleanup(b.Close)

	client := newConnectedClient(t, b, "caller")
	h, err := NewHandler(context.Background(), client, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = h.Call(ctx, "svc/nobody", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandlerClose(t *testing.T) {
	b := testbroker.New(mqttclient.ProtocolV5)
	t.Cleanup(b.Close)

	client := newConnectedClient(t, b, "caller")
	h, err := NewHandler(context.Background(), client, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), "svc/nobody", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.pending) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Close(context.Background()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("call not released by Close")
	}
}

func TestHandlerNotConnected(t *testing.T) {
	b := testbroker.New(mqttclient.ProtocolV5)
	t.Cleanup(b.Close)

	client := newConnectedClient(t, b, "caller")
	h, err := NewHandler(context.Background(), client, nil)
	require.NoError(t, err)

	require.NoError(t, client.Disconnect().Wait())
	_, err = h.Request(context.Background(), "svc/echo", nil)
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = NewHandler(context.Background(), client, nil)
	assert.ErrorIs(t, err, mqttclient.ErrNotConnected)

	_, err = NewHandler(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestHandleResponseIgnoresStrays(t *testing.T) {
	h := &Handler{pending: make(map[string]chan *Response)}
	ch := make(chan *Response, 1)
	h.pending["id-1"] = ch

	h.handleResponse(nil)
	h.handleResponse(&mqttclient.Message{Topic: "r"})
	h.handleResponse(&mqttclient.Message{Topic: "r", CorrelationData: []byte("unknown")})
	assert.Empty(t, ch)

	h.handleResponse(&mqttclient.Message{Topic: "r", CorrelationData: []byte("id-1"), Payload: []byte("ok"),
		UserProperties: []mqttclient.StringPair{{Key: "k", Value: "v"}}})
	resp := <-ch
	assert.Equal(t, []byte("ok"), resp.Payload)
	assert.Equal(t, Headers{"k": "v"}, resp.Headers)
}
