package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonCodeClassification(t *testing.T) {
	assert.True(t, ReasonSuccess.IsSuccess())
	assert.True(t, ReasonGrantedQoS2.IsSuccess())
	assert.True(t, ReasonUnspecifiedError.IsError())
	assert.True(t, ReasonPacketIDNotFound.IsError())
	assert.Equal(t, "Packet Identifier not found", ReasonPacketIDNotFound.String())
	assert.Equal(t, "Unknown reason code", ReasonCode(0x7F).String())
}

func TestReasonCodeValidFor(t *testing.T) {
	tests := []struct {
		code  ReasonCode
		pt    PacketType
		valid bool
	}{
		{ReasonPacketIDNotFound, PacketPUBREL, true},
		{ReasonPacketIDNotFound, PacketPUBCOMP, true},
		{ReasonPacketIDNotFound, PacketPUBACK, false},
		{ReasonNoMatchingSubscribers, PacketPUBACK, true},
		{ReasonGrantedQoS1, PacketSUBACK, true},
		{ReasonGrantedQoS1, PacketUNSUBACK, false},
		{ReasonContinueAuth, PacketAUTH, true},
		{ReasonBadAuthMethod, PacketCONNACK, true},
		{ReasonTopicAliasInvalid, PacketDISCONNECT, true},
	}

	for _, tt := range tests {
		t.Run(tt.code.String()+"/"+tt.pt.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.code.ValidFor(tt.pt))
		})
	}
}

func TestConnackReturnCodeMapping(t *testing.T) {
	for code, reason := range connackV3ToReason {
		assert.Equal(t, code, connackReturnCode(reason))
	}
	assert.Equal(t, connackV3ServerUnavailable, connackReturnCode(ReasonBanned))
}
