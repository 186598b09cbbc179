package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWillValidate(t *testing.T) {
	assert.NoError(t, (&Will{Topic: "status/c1", QoS: QoS1}).Validate())
	assert.Error(t, (&Will{Topic: "status/+", QoS: QoS1}).Validate())
	assert.Error(t, (&Will{Topic: ""}).Validate())
	assert.ErrorIs(t, (&Will{Topic: "status", QoS: 3}).Validate(), ErrInvalidQoS)
}

func TestWillApply(t *testing.T) {
	will := &Will{
		Topic:         "status/c1",
		Payload:       []byte("offline"),
		QoS:           QoS1,
		Retain:        true,
		DelayInterval: 30,
		ContentType:   "text/plain",
	}

	pkt := &ConnectPacket{}
	will.apply(pkt)

	assert.True(t, pkt.WillFlag)
	assert.Equal(t, "status/c1", pkt.WillTopic)
	assert.Equal(t, []byte("offline"), pkt.WillPayload)
	assert.Equal(t, byte(QoS1), pkt.WillQoS)
	assert.True(t, pkt.WillRetain)
	assert.Equal(t, uint32(30), pkt.WillProps.GetUint32(PropWillDelayInterval))
	assert.Equal(t, "text/plain", pkt.WillProps.GetString(PropContentType))

	will.Payload[0] = 'X'
	assert.Equal(t, byte('o'), pkt.WillPayload[0])

	var none *Will
	empty := &ConnectPacket{}
	none.apply(empty)
	assert.False(t, empty.WillFlag)
}
