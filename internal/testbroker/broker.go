// Package testbroker is a minimal in-memory MQTT broker for tests. It
// accepts connections through a Dialer, acknowledges every QoS flow and
// forwards publishes to matching subscribers at QoS 0.
package testbroker

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"

	"github.com/vitalvas/mqttclient"
)

// ErrClosed is returned by the dialer after Close.
var ErrClosed = errors.New("testbroker: closed")

const queueSize = 256

// Broker routes messages between in-memory client connections.
type Broker struct {
	version mqttclient.ProtocolVersion

	mu       sync.Mutex
	sessions map[*session]struct{}
	retained map[string]*mqttclient.PublishPacket
	closed   bool
	wg       sync.WaitGroup
}

type session struct {
	conn     net.Conn
	clientID string
	out      chan mqttclient.Packet
	filters  map[string]struct{}
}

// New creates a broker speaking version.
func New(version mqttclient.ProtocolVersion) *Broker {
	return &Broker{
		version:  version,
		sessions: make(map[*session]struct{}),
		retained: make(map[string]*mqttclient.PublishPacket),
	}
}

// Dialer returns a dialer whose connections are served by b.
func (b *Broker) Dialer() mqttclient.Dialer {
	return mqttclient.DialerFunc(func(_ context.Context, _ *url.URL) (net.Conn, error) {
		client, server := net.Pipe()

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return nil, ErrClosed
		}

		s := &session{
			conn:    server,
			out:     make(chan mqttclient.Packet, queueSize),
			filters: make(map[string]struct{}),
		}
		b.sessions[s] = struct{}{}
		b.wg.Add(2)
		go b.serve(s)
		go b.write(s)
		return client, nil
	})
}

// Clients returns the IDs of connected clients.
func (b *Broker) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.sessions))
	for s := range b.sessions {
		if s.clientID != "" {
			ids = append(ids, s.clientID)
		}
	}
	return ids
}

// Kick drops the connection of clientID without a DISCONNECT.
func (b *Broker) Kick(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		if s.clientID == clientID {
			s.conn.Close()
		}
	}
}

// Close drops every connection and refuses new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	for s := range b.sessions {
		s.conn.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broker) write(s *session) {
	defer b.wg.Done()
	for pkt := range s.out {
		if _, err := mqttclient.WritePacket(s.conn, pkt, b.version, 0); err != nil {
			s.conn.Close()
		}
	}
}

func (b *Broker) serve(s *session) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, s)
		close(s.out)
		b.mu.Unlock()
		s.conn.Close()
	}()

	for {
		pkt, _, err := mqttclient.ReadPacket(s.conn, b.version, 0)
		if err != nil {
			return
		}

		switch p := pkt.(type) {
		case *mqttclient.ConnectPacket:
			b.mu.Lock()
			s.clientID = p.ClientID
			b.mu.Unlock()
			s.out <- &mqttclient.ConnackPacket{}
		case *mqttclient.SubscribePacket:
			b.subscribe(s, p)
		case *mqttclient.UnsubscribePacket:
			codes := make([]mqttclient.ReasonCode, len(p.TopicFilters))
			b.mu.Lock()
			for _, f := range p.TopicFilters {
				delete(s.filters, f)
			}
			b.mu.Unlock()
			s.out <- &mqttclient.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: codes}
		case *mqttclient.PublishPacket:
			b.publish(s, p)
		case *mqttclient.PubrelPacket:
			comp := &mqttclient.PubcompPacket{}
			comp.PacketID = p.PacketID
			s.out <- comp
		case *mqttclient.PingreqPacket:
			s.out <- &mqttclient.PingrespPacket{}
		case *mqttclient.DisconnectPacket:
			return
		}
	}
}

func (b *Broker) subscribe(s *session, p *mqttclient.SubscribePacket) {
	codes := make([]mqttclient.ReasonCode, len(p.Subscriptions))
	var retained []*mqttclient.PublishPacket

	b.mu.Lock()
	for i, sub := range p.Subscriptions {
		s.filters[sub.TopicFilter] = struct{}{}
		codes[i] = mqttclient.ReasonCode(min(sub.QoS, mqttclient.QoS2))
		for topic, msg := range b.retained {
			if mqttclient.TopicMatch(sub.TopicFilter, topic) {
				retained = append(retained, msg)
			}
		}
	}
	b.mu.Unlock()

	s.out <- &mqttclient.SubackPacket{PacketID: p.PacketID, ReasonCodes: codes}
	for _, msg := range retained {
		s.out <- msg
	}
}

func (b *Broker) publish(s *session, p *mqttclient.PublishPacket) {
	switch p.QoS {
	case mqttclient.QoS1:
		ack := &mqttclient.PubackPacket{}
		ack.PacketID = p.PacketID
		s.out <- ack
	case mqttclient.QoS2:
		rec := &mqttclient.PubrecPacket{}
		rec.PacketID = p.PacketID
		s.out <- rec
	}

	fwd := &mqttclient.PublishPacket{
		Topic:   p.Topic,
		Payload: p.Payload,
		Retain:  p.Retain,
		Props:   p.Props.Clone(),
	}
	fwd.Props.Delete(mqttclient.PropTopicAlias)

	b.mu.Lock()
	defer b.mu.Unlock()

	if p.Retain {
		if len(p.Payload) == 0 {
			delete(b.retained, p.Topic)
		} else {
			b.retained[p.Topic] = fwd
		}
	}

	live := *fwd
	live.Retain = false
	for peer := range b.sessions {
		for f := range peer.filters {
			if mqttclient.TopicMatch(f, p.Topic) {
				select {
				case peer.out <- &live:
				default:
				}
				break
			}
		}
	}
}
