// Package mqttclient is an asynchronous MQTT client engine for protocol
// versions 3.1.1 and 5.0.
//
// # Overview
//
// A Client owns one logical session with a broker. Operations return
// immediately with a Token that completes when the broker has answered:
//
//	client, err := mqttclient.NewClient(
//		mqttclient.WithServers("tcp://localhost:1883"),
//		mqttclient.WithClientID("sensor-1"),
//		mqttclient.WithSessionExpiryInterval(3600),
//		mqttclient.WithAutoReconnect(true),
//	)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx).Wait(); err != nil {
//		return err
//	}
//
//	tok := client.Publish(&mqttclient.Message{Topic: "sensors/1", Payload: data, QoS: mqttclient.QoS1})
//	if err := tok.Wait(); err != nil {
//		return err
//	}
//
// Every token completes exactly once, with success or an error. Token
// callbacks, message handlers and event handlers all run on a single
// callback goroutine in completion order, so a slow handler delays the
// others but never the network loop.
//
// # Delivery
//
// QoS 1 and QoS 2 messages are written to the Store before they reach the
// wire and stay there until their final acknowledgement. When the session
// is persistent (a session expiry interval on 5.0, clean session off on
// 3.1.1) the records survive reconnects and process restarts: the next
// connection resends unacknowledged PUBLISH packets with DUP set and
// PUBREL for messages already received by the broker. Inbound QoS 2
// messages are delivered to handlers once, even when the broker resends.
//
// # Stores
//
// MemoryStore is the default. Durable stores for bbolt, Badger, Pebble and
// Redis live under extensions/store. Any type implementing Store works;
// keys are namespaced by client ID so several clients may share one store.
//
// # Transports
//
// Broker URLs select the transport: tcp:// and mqtt:// for plain TCP,
// ssl://, tls:// and mqtts:// for TLS, ws:// and wss:// for WebSocket,
// quic:// for QUIC and unix:// for unix domain sockets. HTTP CONNECT and
// SOCKS5 proxies are supported for the stream transports.
//
// # Codec
//
// The packet types, EncodePacket and WritePacket, and the property system
// are exported for tools that speak MQTT directly.
package mqttclient
