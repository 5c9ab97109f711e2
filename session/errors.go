package session

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrStoreClosed          = errors.New("store is closed")

	// ErrReceiveMaximumExceeded is returned when a caller tries to register
	// another unacknowledged QoS 1/2 publish beyond the session's negotiated
	// ReceiveMaximum (MQTT5 CONNACK property, §3.2.2.3.3).
	ErrReceiveMaximumExceeded = errors.New("session: receive maximum exceeded")

	// ErrTopicAliasOutOfRange is returned when a client references a topic
	// alias outside [1, TopicAliasMax] or tries to register one before the
	// broker has advertised a non-zero maximum.
	ErrTopicAliasOutOfRange = errors.New("session: topic alias out of range")

	// ErrTopicAliasUnmapped is returned when a client sends alias-only
	// PUBLISH (no topic name) for an alias it never registered.
	ErrTopicAliasUnmapped = errors.New("session: topic alias not mapped")
)
