package encoding

import (
	"bytes"
	"io"
)

// EncodePacket writes pkt to w under the given protocol version. It builds
// the variable header and payload into a buffer first so it can compute the
// fixed header's remaining length before writing anything to w.
func EncodePacket(version ProtocolVersion, pkt Packet, w io.Writer) error {
	var body bytes.Buffer
	var flags byte

	switch p := pkt.(type) {
	case *Connect:
		if err := encodeConnectBody(&body, p); err != nil {
			return err
		}
	case *ConnAck:
		if err := encodeConnAckBody(&body, version, p); err != nil {
			return err
		}
	case *Publish:
		if err := encodePublishBody(&body, version, p); err != nil {
			return err
		}
		if p.Dup {
			flags |= 0x08
		}
		flags |= byte(p.QoS) << 1
		if p.Retain {
			flags |= 0x01
		}
	case *PubAck:
		if err := encodeAckWithReasonBody(&body, version, p.PacketID, p.ReasonCode, &p.Properties); err != nil {
			return err
		}
	case *PubRec:
		if err := encodeAckWithReasonBody(&body, version, p.PacketID, p.ReasonCode, &p.Properties); err != nil {
			return err
		}
	case *PubRel:
		if err := encodeAckWithReasonBody(&body, version, p.PacketID, p.ReasonCode, &p.Properties); err != nil {
			return err
		}
		flags = 0x02
	case *PubComp:
		if err := encodeAckWithReasonBody(&body, version, p.PacketID, p.ReasonCode, &p.Properties); err != nil {
			return err
		}
	case *Subscribe:
		if err := encodeSubscribeBody(&body, version, p); err != nil {
			return err
		}
		flags = 0x02
	case *SubAck:
		if err := encodeSubAckBody(&body, version, p); err != nil {
			return err
		}
	case *Unsubscribe:
		if err := encodeUnsubscribeBody(&body, version, p); err != nil {
			return err
		}
		flags = 0x02
	case *UnsubAck:
		if err := encodeUnsubAckBody(&body, version, p); err != nil {
			return err
		}
	case *PingReq:
		// no body
	case *PingResp:
		// no body
	case *Disconnect:
		if err := encodeDisconnectBody(&body, version, p); err != nil {
			return err
		}
	case *Auth:
		if version != ProtocolVersion5 {
			return ErrInvalidType
		}
		if err := encodeAuthBody(&body, p); err != nil {
			return err
		}
	default:
		return ErrInvalidType
	}

	if body.Len() > int(MaxVariableByteInteger) {
		return ErrPayloadTooLarge
	}

	fh := &FixedHeader{
		Type:            pkt.Type(),
		Flags:           flags,
		RemainingLength: uint32(body.Len()),
	}
	if pkt.Type() == PUBLISH {
		p := pkt.(*Publish)
		fh.DUP = p.Dup
		fh.QoS = p.QoS
		fh.Retain = p.Retain
	}

	if err := fh.Encode(w); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func encodeConnectBody(w *bytes.Buffer, p *Connect) error {
	name := p.ProtocolName
	if name == "" {
		if p.ProtocolVersion == ProtocolVersion31 {
			name = "MQIsdp"
		} else {
			name = "MQTT"
		}
	}
	if err := writeUTF8String(w, name); err != nil {
		return err
	}
	if err := writeByte(w, byte(p.ProtocolVersion)); err != nil {
		return err
	}

	var flags byte
	if p.CleanStart {
		flags |= 0x02
	}
	if p.WillFlag {
		flags |= 0x04
		flags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.UsernameFlag {
		flags |= 0x80
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if err := writeByte(w, flags); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}

	if p.ProtocolVersion == ProtocolVersion5 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}

	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}

	if p.WillFlag {
		if p.ProtocolVersion == ProtocolVersion5 {
			if err := p.WillProperties.EncodeProperties(w); err != nil {
				return err
			}
		}
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}
		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}

	if p.UsernameFlag {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}
	if p.PasswordFlag {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}

	return nil
}

func encodeConnAckBody(w *bytes.Buffer, version ProtocolVersion, p *ConnAck) error {
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	if err := writeByte(w, flags); err != nil {
		return err
	}

	if version == ProtocolVersion5 {
		if err := writeByte(w, byte(p.ReasonCode)); err != nil {
			return err
		}
		return p.Properties.EncodeProperties(w)
	}

	return writeByte(w, byte(ReasonCodeToConnackReturnCode(p.ReasonCode)))
}

func encodePublishBody(w *bytes.Buffer, version ProtocolVersion, p *Publish) error {
	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}
	if p.QoS > QoS0 {
		if p.PacketID == 0 {
			return ErrInvalidPacketIDZero
		}
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}
	if version == ProtocolVersion5 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}
	_, err := w.Write(p.Payload)
	return err
}

func encodeAckWithReasonBody(w *bytes.Buffer, version ProtocolVersion, pid uint16, code ReasonCode, props *Properties) error {
	if err := writeTwoByteInt(w, pid); err != nil {
		return err
	}
	if version != ProtocolVersion5 {
		return nil
	}
	if code == ReasonSuccess && len(props.Properties) == 0 {
		return nil
	}
	if err := writeByte(w, byte(code)); err != nil {
		return err
	}
	if len(props.Properties) == 0 {
		return nil
	}
	return props.EncodeProperties(w)
}

func encodeSubscribeBody(w *bytes.Buffer, version ProtocolVersion, p *Subscribe) error {
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if version == ProtocolVersion5 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}
	for _, sub := range p.Subscriptions {
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}
		options := byte(sub.QoS) & 0x03
		if version == ProtocolVersion5 {
			if sub.NoLocal {
				options |= 0x04
			}
			if sub.RetainAsPublished {
				options |= 0x08
			}
			options |= (sub.RetainHandling & 0x03) << 4
		}
		if err := writeByte(w, options); err != nil {
			return err
		}
	}
	return nil
}

func encodeSubAckBody(w *bytes.Buffer, version ProtocolVersion, p *SubAck) error {
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if version == ProtocolVersion5 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}
	for _, code := range p.ReasonCodes {
		if err := writeByte(w, byte(code)); err != nil {
			return err
		}
	}
	return nil
}

func encodeUnsubscribeBody(w *bytes.Buffer, version ProtocolVersion, p *Unsubscribe) error {
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if version == ProtocolVersion5 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}
	for _, filter := range p.TopicFilters {
		if err := writeUTF8String(w, filter); err != nil {
			return err
		}
	}
	return nil
}

func encodeUnsubAckBody(w *bytes.Buffer, version ProtocolVersion, p *UnsubAck) error {
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if version != ProtocolVersion5 {
		return nil
	}
	if err := p.Properties.EncodeProperties(w); err != nil {
		return err
	}
	for _, code := range p.ReasonCodes {
		if err := writeByte(w, byte(code)); err != nil {
			return err
		}
	}
	return nil
}

func encodeDisconnectBody(w *bytes.Buffer, version ProtocolVersion, p *Disconnect) error {
	if version != ProtocolVersion5 {
		return nil
	}
	if p.ReasonCode == ReasonNormalDisconnection && len(p.Properties.Properties) == 0 {
		return nil
	}
	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}
	if len(p.Properties.Properties) == 0 {
		return nil
	}
	return p.Properties.EncodeProperties(w)
}

func encodeAuthBody(w *bytes.Buffer, p *Auth) error {
	if p.ReasonCode == ReasonSuccess && len(p.Properties.Properties) == 0 {
		return nil
	}
	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}
	if len(p.Properties.Properties) == 0 {
		return nil
	}
	return p.Properties.EncodeProperties(w)
}
