package mqttclient

import (
	"errors"
	"sync"
)

// Topic alias errors.
var (
	ErrTopicAliasInvalid  = errors.New("topic alias invalid")
	ErrTopicAliasNotFound = errors.New("topic alias not found")
)

// topicAliases resolves topic aliases the broker assigns on inbound
// PUBLISH packets. Mappings live for one network connection only.
type topicAliases struct {
	mu     sync.Mutex
	max    uint16
	topics map[uint16]string
}

func newTopicAliases(maximum uint16) *topicAliases {
	return &topicAliases{
		max:    maximum,
		topics: make(map[uint16]string),
	}
}

// resolve fills in the topic of pkt from its alias, recording a new
// mapping when the packet carries both.
func (a *topicAliases) resolve(pkt *PublishPacket) error {
	alias := pkt.Props.GetUint16(PropTopicAlias)
	if alias == 0 {
		if pkt.Props.Has(PropTopicAlias) {
			return ErrTopicAliasInvalid
		}
		return nil
	}
	if alias > a.max {
		return ErrTopicAliasInvalid
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if pkt.Topic != "" {
		a.topics[alias] = pkt.Topic
		return nil
	}

	topic, ok := a.topics[alias]
	if !ok {
		return ErrTopicAliasNotFound
	}
	pkt.Topic = topic
	return nil
}

func (a *topicAliases) clear() {
	a.mu.Lock()
	a.topics = make(map[uint16]string)
	a.mu.Unlock()
}
