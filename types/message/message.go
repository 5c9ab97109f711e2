package message

import (
	"time"

	"github.com/flowmq/core/encoding"
)

// UserProperty is one MQTT5 User Property key/value pair, carried verbatim
// from the publishing client's PUBLISH through to every subscriber that
// receives this message, per §3.3.2.3.7.
type UserProperty struct {
	Key   string
	Value string
}

// Message represents a QoS message with all necessary metadata, including
// the MQTT5 PUBLISH properties (§3.3.2.3) a broker must preserve end to end
// rather than just the topic/payload/QoS a 3.1.1-only broker would track.
type Message struct {
	PacketID         uint16
	Topic            string
	Payload          []byte
	QoS              encoding.QoS
	Retain           bool
	DUP              bool
	Properties       map[string]interface{}
	CreatedAt        time.Time
	LastAttemptAt    time.Time
	AttemptCount     int
	ExpiryInterval   uint32
	MessageExpirySet bool

	// PayloadFormatIndicator, ContentType, ResponseTopic and CorrelationData
	// mirror the request/response PUBLISH properties unchanged to every
	// subscriber (§3.3.2.3.2-3.3.2.3.6); UserProperties likewise forwards
	// every application-defined pair the publisher attached.
	PayloadFormatIndicator bool
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         []UserProperty

	// SubscriptionIdentifiers accumulates the subscription identifiers
	// (§3.3.2.3.8) of every matching subscription a fan-out pass delivers
	// this copy of the message under; a message fanned to two subscriptions
	// on the same session carries both identifiers in the one PUBLISH.
	SubscriptionIdentifiers []uint32
}

// NewMessage creates a new QoS message
func NewMessage(packetID uint16, topic string, payload []byte, qos encoding.QoS, retain bool, properties map[string]interface{}) *Message {
	now := time.Now()
	msg := &Message{
		PacketID:      packetID,
		Topic:         topic,
		Payload:       payload,
		QoS:           qos,
		Retain:        retain,
		DUP:           false,
		Properties:    properties,
		CreatedAt:     now,
		LastAttemptAt: now,
		AttemptCount:  0,
	}

	if properties != nil {
		if expiry, ok := properties["MessageExpiryInterval"].(uint32); ok {
			msg.ExpiryInterval = expiry
			msg.MessageExpirySet = true
		}
		if v, ok := properties["PayloadFormatIndicator"].(bool); ok {
			msg.PayloadFormatIndicator = v
		}
		if v, ok := properties["ContentType"].(string); ok {
			msg.ContentType = v
		}
		if v, ok := properties["ResponseTopic"].(string); ok {
			msg.ResponseTopic = v
		}
		if v, ok := properties["CorrelationData"].([]byte); ok {
			msg.CorrelationData = v
		}
		if v, ok := properties["UserProperties"].([]UserProperty); ok {
			msg.UserProperties = v
		}
		if v, ok := properties["SubscriptionIdentifiers"].([]uint32); ok {
			msg.SubscriptionIdentifiers = v
		}
	}

	return msg
}

// AddSubscriptionIdentifier records one more matching subscription's
// identifier on this copy of the message; a zero id (no identifier set on
// that subscription) is not recorded, per §3.3.2.3.8. It also mirrors the
// identifier into Properties so qos.Handler's PublishQoS1/2 (which rebuilds
// a Message from that map alone) preserves it across the inflight roundtrip.
func (m *Message) AddSubscriptionIdentifier(id uint32) {
	if id == 0 {
		return
	}
	m.SubscriptionIdentifiers = append(m.SubscriptionIdentifiers, id)
	if m.Properties == nil {
		m.Properties = map[string]interface{}{}
	}
	m.Properties["SubscriptionIdentifiers"] = m.SubscriptionIdentifiers
}

// IsExpired checks if the message has expired
func (m *Message) IsExpired() bool {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return false
	}
	return time.Since(m.CreatedAt) >= time.Duration(m.ExpiryInterval)*time.Second
}

// RemainingExpiry returns the remaining expiry time in seconds
func (m *Message) RemainingExpiry() uint32 {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return 0
	}
	elapsed := uint32(time.Since(m.CreatedAt).Seconds())
	if elapsed >= m.ExpiryInterval {
		return 0
	}
	return m.ExpiryInterval - elapsed
}

// MarkAttempt marks a delivery attempt
func (m *Message) MarkAttempt() {
	m.AttemptCount++
	m.LastAttemptAt = time.Now()
	if m.AttemptCount > 1 {
		m.DUP = true
	}
}

// Clone creates a deep copy of the message
func (m *Message) Clone() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)

	properties := make(map[string]interface{})
	for k, v := range m.Properties {
		properties[k] = v
	}

	var correlationData []byte
	if m.CorrelationData != nil {
		correlationData = make([]byte, len(m.CorrelationData))
		copy(correlationData, m.CorrelationData)
	}

	var userProps []UserProperty
	if m.UserProperties != nil {
		userProps = make([]UserProperty, len(m.UserProperties))
		copy(userProps, m.UserProperties)
	}

	return &Message{
		PacketID:                m.PacketID,
		Topic:                   m.Topic,
		Payload:                 payload,
		QoS:                     m.QoS,
		Retain:                  m.Retain,
		DUP:                     m.DUP,
		Properties:              properties,
		CreatedAt:               m.CreatedAt,
		LastAttemptAt:           m.LastAttemptAt,
		AttemptCount:            m.AttemptCount,
		ExpiryInterval:          m.ExpiryInterval,
		MessageExpirySet:        m.MessageExpirySet,
		PayloadFormatIndicator:  m.PayloadFormatIndicator,
		ContentType:             m.ContentType,
		ResponseTopic:           m.ResponseTopic,
		CorrelationData:         correlationData,
		UserProperties:          userProps,
		SubscriptionIdentifiers: append([]uint32(nil), m.SubscriptionIdentifiers...),
	}
}
