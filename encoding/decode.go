package encoding

import "io"

// DecodePacket decodes the packet body that follows a fixed header already
// read via DecodeFixedHeader. version selects which variable-header shape
// applies (MQTT 5.0 adds Properties throughout; 3.1/3.1.1 never carry them).
func DecodePacket(version ProtocolVersion, fh *FixedHeader, r io.Reader) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		return decodeConnect(fh, r)
	case CONNACK:
		return decodeConnAck(version, fh, r)
	case PUBLISH:
		return decodePublish(version, fh, r)
	case PUBACK:
		return decodePubAck(version, fh, r)
	case PUBREC:
		return decodePubRec(version, fh, r)
	case PUBREL:
		return decodePubRel(version, fh, r)
	case PUBCOMP:
		return decodePubComp(version, fh, r)
	case SUBSCRIBE:
		return decodeSubscribe(version, fh, r)
	case SUBACK:
		return decodeSubAck(version, fh, r)
	case UNSUBSCRIBE:
		return decodeUnsubscribe(version, fh, r)
	case UNSUBACK:
		return decodeUnsubAck(version, fh, r)
	case PINGREQ:
		if fh.RemainingLength != 0 {
			return nil, ErrMalformedPacket
		}
		return &PingReq{}, nil
	case PINGRESP:
		if fh.RemainingLength != 0 {
			return nil, ErrMalformedPacket
		}
		return &PingResp{}, nil
	case DISCONNECT:
		return decodeDisconnect(version, fh, r)
	case AUTH:
		if version != ProtocolVersion5 {
			return nil, ErrInvalidType
		}
		return decodeAuth(fh, r)
	default:
		return nil, ErrInvalidType
	}
}

// The codec enforces no per-packet-type property whitelist: any known
// property ID is accepted in any packet. ParseProperties rejects unknown
// property IDs, duplicates of non-repeatable properties (each property is
// added through AddProperty) and malformed values.

func decodeConnect(fh *FixedHeader, r io.Reader) (*Connect, error) {
	pkt := &Connect{}

	name, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = name
	if name != "MQTT" && name != "MQIsdp" {
		return nil, ErrInvalidProtocolName
	}

	ver, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolVersion = ProtocolVersion(ver)
	if !pkt.ProtocolVersion.IsValid() {
		return nil, ErrInvalidProtocolVersion
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if flags&0x01 != 0 {
		return nil, ErrInvalidConnectFlags
	}
	pkt.CleanStart = flags&0x02 != 0
	pkt.WillFlag = flags&0x04 != 0
	pkt.WillQoS = QoS((flags & 0x18) >> 3)
	pkt.WillRetain = flags&0x20 != 0
	pkt.PasswordFlag = flags&0x40 != 0
	pkt.UsernameFlag = flags&0x80 != 0

	if !pkt.WillQoS.IsValid() {
		return nil, ErrInvalidWillQoS
	}
	if !pkt.WillFlag && (pkt.WillQoS != QoS0 || pkt.WillRetain) {
		return nil, ErrWillFlagMismatch
	}
	if pkt.PasswordFlag && !pkt.UsernameFlag {
		return nil, ErrPasswordWithoutUsername
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	if pkt.ProtocolVersion == ProtocolVersion5 {
		props, err := ParseProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = *props
	}

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		if pkt.ProtocolVersion == ProtocolVersion5 {
			willProps, err := ParseProperties(r)
			if err != nil {
				return nil, err
			}
			pkt.WillProperties = *willProps
		}

		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		willPayload, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameFlag {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordFlag {
		password, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

func decodeConnAck(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*ConnAck, error) {
	pkt := &ConnAck{}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if flags&0xFE != 0 {
		return nil, ErrMalformedPacket
	}
	pkt.SessionPresent = flags&0x01 != 0

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)
	if version != ProtocolVersion5 {
		widened := map[ConnackReturnCode]ReasonCode{
			ConnackAccepted:                  ReasonSuccess,
			ConnackUnacceptedProtocolVersion: ReasonUnsupportedProtocolVersion,
			ConnackIdentifierRejected:        ReasonClientIdentifierNotValid,
			ConnackServerUnavailable:         ReasonServerUnavailable,
			ConnackBadUsernameOrPassword:     ReasonBadUsernameOrPassword,
			ConnackNotAuthorized:             ReasonNotAuthorized,
		}
		if rc, ok := widened[ConnackReturnCode(code)]; ok {
			pkt.ReasonCode = rc
		}
	}

	if version == ProtocolVersion5 && fh.RemainingLength > 2 {
		props, err := ParseProperties(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = *props
	}

	return pkt, nil
}

func decodePublish(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*Publish, error) {
	pkt := &Publish{Dup: fh.DUP, QoS: fh.QoS, Retain: fh.Retain}

	topic, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topic

	consumed := 2 + len(topic)

	if fh.QoS > QoS0 {
		pid, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		if pid == 0 {
			return nil, ErrInvalidPacketIDZero
		}
		pkt.PacketID = pid
		consumed += 2
	}

	if version == ProtocolVersion5 {
		props, n, err := parsePropertiesCounting(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = *props
		consumed += n

		if pkt.TopicName == "" && !hasNonZeroTopicAlias(&pkt.Properties) {
			return nil, ErrInvalidTopicName
		}
	} else if pkt.TopicName == "" {
		return nil, ErrInvalidTopicName
	}

	payloadLen := int(fh.RemainingLength) - consumed
	if payloadLen < 0 {
		return nil, ErrMalformedPacket
	}
	if payloadLen > 0 {
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ErrUnexpectedEOF
		}
		pkt.Payload = payload
	}

	return pkt, nil
}

func hasNonZeroTopicAlias(props *Properties) bool {
	p := props.GetProperty(PropTopicAlias)
	if p == nil {
		return false
	}
	alias, _ := p.Value.(uint16)
	return alias != 0
}

// parsePropertiesCounting parses a Properties bag from r and also returns
// the number of bytes consumed (length prefix + body), needed by callers
// that compute a payload length from RemainingLength.
func parsePropertiesCounting(r io.Reader) (*Properties, int, error) {
	cr := &countingReader{r: r}
	props, err := ParseProperties(cr)
	if err != nil {
		return nil, 0, err
	}
	return props, cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func decodeAckWithReason(version ProtocolVersion, fh *FixedHeader, r io.Reader) (uint16, ReasonCode, Properties, error) {
	pid, err := readTwoByteInt(r)
	if err != nil {
		return 0, 0, Properties{}, err
	}

	if version != ProtocolVersion5 || fh.RemainingLength == 2 {
		return pid, ReasonSuccess, Properties{}, nil
	}

	code, err := readByte(r)
	if err != nil {
		return 0, 0, Properties{}, err
	}

	if fh.RemainingLength == 3 {
		return pid, ReasonCode(code), Properties{}, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return 0, 0, Properties{}, err
	}
	return pid, ReasonCode(code), *props, nil
}

func decodePubAck(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*PubAck, error) {
	pid, code, props, err := decodeAckWithReason(version, fh, r)
	if err != nil {
		return nil, err
	}
	return &PubAck{PacketID: pid, ReasonCode: code, Properties: props}, nil
}

func decodePubRec(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*PubRec, error) {
	pid, code, props, err := decodeAckWithReason(version, fh, r)
	if err != nil {
		return nil, err
	}
	return &PubRec{PacketID: pid, ReasonCode: code, Properties: props}, nil
}

func decodePubRel(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*PubRel, error) {
	pid, code, props, err := decodeAckWithReason(version, fh, r)
	if err != nil {
		return nil, err
	}
	return &PubRel{PacketID: pid, ReasonCode: code, Properties: props}, nil
}

func decodePubComp(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*PubComp, error) {
	pid, code, props, err := decodeAckWithReason(version, fh, r)
	if err != nil {
		return nil, err
	}
	return &PubComp{PacketID: pid, ReasonCode: code, Properties: props}, nil
}

func decodeSubscribe(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*Subscribe, error) {
	pkt := &Subscribe{}

	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, ErrInvalidPacketIDZero
	}
	pkt.PacketID = pid
	consumed := 2

	if version == ProtocolVersion5 {
		props, n, err := parsePropertiesCounting(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = *props
		consumed += n
	}

	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		consumed += 2 + len(filter)

		options, err := readByte(r)
		if err != nil {
			return nil, err
		}
		consumed++

		sub := SubscriptionRequest{
			TopicFilter: filter,
			QoS:         QoS(options & 0x03),
		}
		if !sub.QoS.IsValid() {
			return nil, ErrInvalidSubscriptionOpts
		}
		if version == ProtocolVersion5 {
			sub.NoLocal = options&0x04 != 0
			sub.RetainAsPublished = options&0x08 != 0
			sub.RetainHandling = (options & 0x30) >> 4
			if sub.RetainHandling > 2 || options&0xC0 != 0 {
				return nil, ErrInvalidSubscriptionOpts
			}
		} else if options&0xFC != 0 {
			return nil, ErrInvalidSubscriptionOpts
		}

		pkt.Subscriptions = append(pkt.Subscriptions, sub)
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, ErrEmptySubscriptionList
	}

	return pkt, nil
}

func decodeSubAck(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*SubAck, error) {
	pkt := &SubAck{}

	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = pid
	consumed := 2

	if version == ProtocolVersion5 {
		props, n, err := parsePropertiesCounting(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = *props
		consumed += n
	}

	count := int(fh.RemainingLength) - consumed
	if count < 0 {
		return nil, ErrMalformedPacket
	}
	pkt.ReasonCodes = make([]ReasonCode, count)
	for i := 0; i < count; i++ {
		b, err := readByte(r)
		if err != nil {
			return nil, err
		}
		pkt.ReasonCodes[i] = ReasonCode(b)
	}

	return pkt, nil
}

func decodeUnsubscribe(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*Unsubscribe, error) {
	pkt := &Unsubscribe{}

	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, ErrInvalidPacketIDZero
	}
	pkt.PacketID = pid
	consumed := 2

	if version == ProtocolVersion5 {
		props, n, err := parsePropertiesCounting(r)
		if err != nil {
			return nil, err
		}
		pkt.Properties = *props
		consumed += n
	}

	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		consumed += 2 + len(filter)
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}

	if len(pkt.TopicFilters) == 0 {
		return nil, ErrEmptyUnsubscribeList
	}

	return pkt, nil
}

func decodeUnsubAck(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*UnsubAck, error) {
	pkt := &UnsubAck{}

	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = pid
	consumed := 2

	if version != ProtocolVersion5 {
		return pkt, nil
	}

	props, n, err := parsePropertiesCounting(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props
	consumed += n

	count := int(fh.RemainingLength) - consumed
	if count < 0 {
		return nil, ErrMalformedPacket
	}
	pkt.ReasonCodes = make([]ReasonCode, count)
	for i := 0; i < count; i++ {
		b, err := readByte(r)
		if err != nil {
			return nil, err
		}
		pkt.ReasonCodes[i] = ReasonCode(b)
	}

	return pkt, nil
}

func decodeDisconnect(version ProtocolVersion, fh *FixedHeader, r io.Reader) (*Disconnect, error) {
	pkt := &Disconnect{ReasonCode: ReasonNormalDisconnection}
	if fh.RemainingLength == 0 {
		return pkt, nil
	}
	if version != ProtocolVersion5 {
		return nil, ErrMalformedPacket
	}

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)
	if fh.RemainingLength == 1 {
		return pkt, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props
	return pkt, nil
}

func decodeAuth(fh *FixedHeader, r io.Reader) (*Auth, error) {
	if fh.RemainingLength == 0 {
		return &Auth{ReasonCode: ReasonSuccess}, nil
	}

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt := &Auth{ReasonCode: ReasonCode(code)}
	if fh.RemainingLength == 1 {
		return pkt, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props
	return pkt, nil
}
