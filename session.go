package mqttclient

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// session holds the QoS 1 and QoS 2 delivery state of one client identity.
// Every in-flight entry is mirrored by a record in the store, and a single
// mutex guards both, so no entry exists without its record or vice versa.
type session struct {
	mu        sync.Mutex
	namespace string
	store     Store
	version   ProtocolVersion
	ids       *PacketIDManager
	outbound  map[uint16]*InFlightEntry
	inbound   map[uint16]*InFlightEntry
	seq       uint64
	logger    Logger
}

func newSession(namespace string, store Store, version ProtocolVersion, logger Logger) *session {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &session{
		namespace: namespace,
		store:     store,
		version:   version,
		ids:       NewPacketIDManager(),
		outbound:  make(map[uint16]*InFlightEntry),
		inbound:   make(map[uint16]*InFlightEntry),
		logger:    logger.WithFields(LogFields{LogFieldClientID: namespace}),
	}
}

// allocateID hands out a packet identifier for SUBSCRIBE and UNSUBSCRIBE.
// They share the outbound identifier space with PUBLISH.
func (s *session) allocateID() (uint16, error) {
	return s.ids.Allocate()
}

func (s *session) releaseID(id uint16) {
	_ = s.ids.Release(id)
}

// beginPublish assigns a packet identifier to msg, persists the PUBLISH and
// creates its outbound entry. Nothing is tracked if the store write fails.
// transmit tells whether the caller is about to write the packet now; a
// message queued while reconnecting goes out first without the DUP flag.
func (s *session) beginPublish(msg *Message, transmit bool) (*PublishPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.ids.Allocate()
	if err != nil {
		return nil, err
	}

	pkt := &PublishPacket{}
	pkt.FromMessage(msg)
	pkt.PacketID = id

	rec, err := recordFromPacket(pkt, s.version)
	if err != nil {
		s.releaseID(id)
		return nil, err
	}

	key := sentKey(id)
	if err := s.store.Put(s.namespace, key, rec); err != nil {
		s.releaseID(id)
		return nil, NewPersistenceError("put", key, err)
	}

	s.seq++
	now := time.Now()
	s.outbound[id] = &InFlightEntry{
		PacketID:  id,
		Direction: Outbound,
		QoS:       msg.QoS,
		State:     StateSent,
		Duplicate: transmit,
		Submitted: now,
		Timestamp: now,
		Message:   msg.Clone(),
		seq:       s.seq,
	}

	return pkt, nil
}

// abortPublish undoes beginPublish for a packet that could not be written
// at all, such as one over the broker's maximum packet size.
func (s *session) abortPublish(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.outbound[id]; ok && e.State == StateSent {
		s.removeRecord(sentKey(id))
		delete(s.outbound, id)
		s.releaseID(id)
	}
}

// handlePuback finishes a QoS 1 delivery. It returns nil for an identifier
// with no matching entry.
func (s *session) handlePuback(id uint16) *InFlightEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbound[id]
	if !ok || e.QoS != QoS1 || e.State != StateSent {
		s.discard(PacketPUBACK, id)
		return nil
	}

	s.removeRecord(sentKey(id))
	s.finishOutbound(e, StateAcked)
	return e.snapshot()
}

// handlePubrec advances a QoS 2 delivery to RELEASED and returns the PUBREL
// to send. The PUBREL record is written before the PUBLISH record is
// dropped. A failure reason code from a v5 broker ends the delivery and is
// reported through the returned entry with a nil PUBREL.
func (s *session) handlePubrec(id uint16, reason ReasonCode) (*PubrelPacket, *InFlightEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbound[id]
	if !ok || e.QoS != QoS2 {
		s.discard(PacketPUBREC, id)
		return nil, nil, nil
	}

	switch e.State {
	case StateReleased:
		// our PUBREL was lost; send it again
		return &PubrelPacket{ackFields{PacketID: id}}, nil, nil
	case StateSent:
	default:
		s.discard(PacketPUBREC, id)
		return nil, nil, nil
	}

	if reason.IsError() {
		s.removeRecord(sentKey(id))
		s.finishOutbound(e, StateComplete)
		return nil, e.snapshot(), nil
	}

	e.State = StatePubrecReceived
	rel := &PubrelPacket{ackFields{PacketID: id}}
	rec, err := recordFromPacket(rel, s.version)
	if err == nil {
		err = s.store.Put(s.namespace, releasedKey(id), rec)
	}
	if err != nil {
		e.State = StateSent
		return nil, nil, NewPersistenceError("put", releasedKey(id), err)
	}

	s.removeRecord(sentKey(id))
	e.State = StateReleased
	e.Message = nil
	e.Timestamp = time.Now()
	return rel, nil, nil
}

// handlePubcomp finishes a QoS 2 delivery that is waiting in RELEASED.
func (s *session) handlePubcomp(id uint16) *InFlightEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbound[id]
	if !ok || e.State != StateReleased {
		s.discard(PacketPUBCOMP, id)
		return nil
	}

	s.removeRecord(releasedKey(id))
	s.finishOutbound(e, StateComplete)
	return e.snapshot()
}

// receivePublish records an inbound QoS 2 PUBLISH. first is false for a
// redelivery of an identifier that is still being handled; the caller then
// acknowledges again without delivering.
func (s *session) receivePublish(pkt *PublishPacket) (first bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbound[pkt.PacketID]; ok {
		return false, nil
	}

	rec, err := recordFromPacket(pkt, s.version)
	if err != nil {
		return false, err
	}
	key := receivedKey(pkt.PacketID)
	if err := s.store.Put(s.namespace, key, rec); err != nil {
		return false, NewPersistenceError("put", key, err)
	}

	s.seq++
	s.inbound[pkt.PacketID] = &InFlightEntry{
		PacketID:  pkt.PacketID,
		Direction: Inbound,
		QoS:       QoS2,
		State:     StatePublishReceived,
		Duplicate: pkt.DUP,
		Timestamp: time.Now(),
		Message:   pkt.ToMessage(),
		seq:       s.seq,
	}
	return true, nil
}

// acknowledgeInbound moves an inbound entry to ACKNOWLEDGED once PUBREC
// has been written.
func (s *session) acknowledgeInbound(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.inbound[id]; ok && e.State == StatePublishReceived {
		e.State = StateAcknowledged
		e.Timestamp = time.Now()
	}
}

// handlePubrel marks an inbound entry RELEASE_RECEIVED. It reports false
// when no entry exists; the caller still answers with PUBCOMP.
func (s *session) handlePubrel(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.inbound[id]
	if !ok {
		s.discard(PacketPUBREL, id)
		return false
	}
	e.State = StateReleaseReceived
	e.Timestamp = time.Now()
	return true
}

// completeInbound drops an inbound entry after its PUBCOMP was written.
func (s *session) completeInbound(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.inbound[id]
	if !ok || e.State != StateReleaseReceived {
		return
	}
	s.removeRecord(receivedKey(id))
	e.State = StateComplete
	delete(s.inbound, id)
}

// pendingPackets returns the packets to retransmit after a persistent
// session resumes: outbound entries in submission order, then inbound ones.
func (s *session) pendingPackets() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Packet, 0, len(s.outbound)+len(s.inbound))

	for _, e := range sortedEntries(s.outbound) {
		switch e.State {
		case StateSent:
			pub := &PublishPacket{}
			pub.FromMessage(e.Message)
			pub.PacketID = e.PacketID
			pub.DUP = e.Duplicate
			e.Duplicate = true
			out = append(out, pub)
		case StateReleased:
			out = append(out, &PubrelPacket{ackFields{PacketID: e.PacketID}})
		}
	}

	for _, e := range sortedEntries(s.inbound) {
		switch e.State {
		case StatePublishReceived, StateAcknowledged:
			out = append(out, &PubrecPacket{ackFields{PacketID: e.PacketID}})
		case StateReleaseReceived:
			out = append(out, &PubcompPacket{ackFields{PacketID: e.PacketID}})
		}
	}

	return out
}

// entries returns snapshots of every in-flight entry.
func (s *session) entries() []*InFlightEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*InFlightEntry, 0, len(s.outbound)+len(s.inbound))
	for _, e := range sortedEntries(s.outbound) {
		out = append(out, e.snapshot())
	}
	for _, e := range sortedEntries(s.inbound) {
		out = append(out, e.snapshot())
	}
	return out
}

// hasOutbound reports whether an outbound entry exists for id.
func (s *session) hasOutbound(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outbound[id]
	return ok
}

func (s *session) outboundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// dropInbound discards inbound QoS 2 entries. It is used when the broker
// reports that it holds no session, so no PUBREL will ever arrive.
func (s *session) dropInbound() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.inbound)
	for id := range s.inbound {
		s.removeRecord(receivedKey(id))
	}
	s.inbound = make(map[uint16]*InFlightEntry)
	return n
}

// restore rebuilds the in-memory entries from the store. It does nothing
// when entries are already held in memory. Records that cannot be decoded
// are logged and skipped.
func (s *session) restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.outbound) > 0 || len(s.inbound) > 0 {
		return nil
	}

	keys, err := s.store.Keys(s.namespace)
	if err != nil {
		return NewPersistenceError("keys", "", err)
	}

	type restored struct {
		prefix string
		id     uint16
		key    string
	}
	var recs []restored
	for _, key := range keys {
		prefix, id, ok := parseRecordKey(key)
		if !ok {
			s.logger.Warn("ignoring unknown record key", LogFields{"key": key})
			continue
		}
		recs = append(recs, restored{prefix: prefix, id: id, key: key})
	}
	// a PUBREL record supersedes a PUBLISH record with the same identifier
	slices.SortFunc(recs, func(a, b restored) int {
		if a.id != b.id {
			return int(a.id) - int(b.id)
		}
		return prefixRank(a.prefix) - prefixRank(b.prefix)
	})

	now := time.Now()
	for _, r := range recs {
		rec, err := s.store.Get(s.namespace, r.key)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return NewPersistenceError("get", r.key, err)
		}

		pkt, err := rec.Packet(s.version)
		if err != nil {
			s.logger.Error("skipping corrupt record", LogFields{"key": r.key, LogFieldError: err})
			continue
		}

		s.seq++
		switch r.prefix {
		case keyPrefixSent:
			pub, ok := pkt.(*PublishPacket)
			if !ok {
				continue
			}
			s.outbound[r.id] = &InFlightEntry{
				PacketID:  r.id,
				Direction: Outbound,
				QoS:       pub.QoS,
				State:     StateSent,
				Duplicate: true,
				Submitted: now,
				Timestamp: now,
				Message:   pub.ToMessage(),
				seq:       s.seq,
			}
		case keyPrefixReleased:
			if _, ok := s.outbound[r.id]; ok {
				s.removeRecord(sentKey(r.id))
			}
			s.outbound[r.id] = &InFlightEntry{
				PacketID:  r.id,
				Direction: Outbound,
				QoS:       QoS2,
				State:     StateReleased,
				Submitted: now,
				Timestamp: now,
				seq:       s.seq,
			}
		case keyPrefixReceived:
			pub, ok := pkt.(*PublishPacket)
			if !ok {
				continue
			}
			// delivery happened right after the record was written
			s.inbound[r.id] = &InFlightEntry{
				PacketID:  r.id,
				Direction: Inbound,
				QoS:       QoS2,
				State:     StateAcknowledged,
				Timestamp: now,
				Message:   pub.ToMessage(),
				seq:       s.seq,
			}
		}
	}

	for id := range s.outbound {
		if err := s.ids.Reserve(id); err != nil && !errors.Is(err, ErrPacketIDInUse) {
			return err
		}
	}

	if n := len(s.outbound) + len(s.inbound); n > 0 {
		s.logger.Info("restored in-flight messages", LogFields{"count": n})
	}
	return nil
}

// reset discards all delivery state, in memory and in the store.
func (s *session) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outbound = make(map[uint16]*InFlightEntry)
	s.inbound = make(map[uint16]*InFlightEntry)
	s.ids.Reset()

	if err := s.store.Clear(s.namespace); err != nil {
		return NewPersistenceError("clear", "", err)
	}
	return nil
}

func (s *session) finishOutbound(e *InFlightEntry, state DeliveryState) {
	e.State = state
	delete(s.outbound, e.PacketID)
	s.releaseID(e.PacketID)
}

// removeRecord drops a record that is no longer needed. A failure leaves a
// stale record behind; it is logged because the handshake has already
// advanced on the wire.
func (s *session) removeRecord(key string) {
	err := s.store.Remove(s.namespace, key)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		s.logger.Error("failed to remove record", LogFields{"key": key, LogFieldError: err})
	}
}

func (s *session) discard(t PacketType, id uint16) {
	s.logger.Warn("discarding unexpected acknowledgement", LogFields{
		LogFieldPacketType: t.String(),
		LogFieldPacketID:   id,
	})
}

func prefixRank(prefix string) int {
	switch prefix {
	case keyPrefixSent:
		return 0
	case keyPrefixReleased:
		return 1
	default:
		return 2
	}
}

func sortedEntries(m map[uint16]*InFlightEntry) []*InFlightEntry {
	out := make([]*InFlightEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *InFlightEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}
