package mqttclient

// Will is the Last Will message the broker publishes on our behalf when
// the connection ends without a DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// DelayInterval is the v5 will delay in seconds.
	DelayInterval uint32

	PayloadFormat   byte
	MessageExpiry   uint32
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  []StringPair
}

// Validate checks the will topic and QoS.
func (w *Will) Validate() error {
	if err := ValidateTopicName(w.Topic); err != nil {
		return err
	}
	if w.QoS > QoS2 {
		return ErrInvalidQoS
	}
	return nil
}

// properties returns the v5 will properties.
func (w *Will) properties() Properties {
	msg := Message{
		PayloadFormat:   w.PayloadFormat,
		MessageExpiry:   w.MessageExpiry,
		ContentType:     w.ContentType,
		ResponseTopic:   w.ResponseTopic,
		CorrelationData: w.CorrelationData,
		UserProperties:  w.UserProperties,
	}
	props := msg.ToProperties()
	if w.DelayInterval > 0 {
		props.Set(PropWillDelayInterval, w.DelayInterval)
	}
	return props
}

// apply copies the will into a CONNECT packet.
func (w *Will) apply(pkt *ConnectPacket) {
	if w == nil {
		return
	}
	pkt.WillFlag = true
	pkt.WillTopic = w.Topic
	pkt.WillPayload = cloneBytes(w.Payload)
	pkt.WillQoS = w.QoS
	pkt.WillRetain = w.Retain
	pkt.WillProps = w.properties()
}
