// Package broker ties session, dispatcher, authgate and listener together
// into a running MQTT engine: one Client per accepted connection, driven by
// Engine.HandleConnection.
package broker

import (
	"sync"

	"github.com/flowmq/core/config"
	"github.com/flowmq/core/dispatcher"
	"github.com/flowmq/core/listener"
	"github.com/flowmq/core/metrics"
	"github.com/flowmq/core/qos"
	"github.com/flowmq/core/session"
	"github.com/flowmq/core/types/message"
)

// Client is the live, per-connection state for one connected MQTT client:
// its transport, its session, and the two qos.Handler instances tracking
// inbound (client-published) and outbound (broker-delivered) QoS 1/2 flows
// independently, since a single Handler's ack callbacks serve one direction
// at a time.
type Client struct {
	conn    *listener.Connection
	session *session.Session
	version byte

	inbound  *qos.Handler // tracks PUBLISH packets this client sends us
	outbound *qos.Handler // tracks PUBLISH packets we send this client
	// outboundMu serializes SetPublishCallback+PublishQoS1/2 pairs on
	// outbound: concurrent publishers fanning out to the same subscriber
	// must not interleave a callback swap between those two calls.
	outboundMu sync.Mutex

	writeMu sync.Mutex

	outboxMu sync.Mutex
	outbox   []*message.Message
	outCap   int
}

func newClient(conn *listener.Connection, sess *session.Session, version byte, mqttCfg config.Mqtt, emitter metrics.Emitter) *Client {
	c := &Client{
		conn:    conn,
		session: sess,
		version: version,
		outCap:  mqttCfg.MaxQueueMessages,
	}
	clientID := sess.ClientID
	c.inbound = qos.NewHandler(qosConfigFrom(mqttCfg, emitter, clientID+":in"))
	c.outbound = qos.NewHandler(qosConfigFrom(mqttCfg, emitter, clientID+":out"))
	return c
}

// qosConfigFrom narrows qos.DefaultConfig() by the broker's own inflight
// and redelivery tunables instead of letting qos.Handler fall back to its
// own (much looser) defaults, and points the handler's inflight/queue depth
// observations at the broker's own Emitter under clientLabel.
func qosConfigFrom(mqttCfg config.Mqtt, emitter metrics.Emitter, clientLabel string) *qos.Config {
	cfg := qos.DefaultConfig()
	if mqttCfg.MaxInflight > 0 {
		cfg.MaxInflight = mqttCfg.MaxInflight
	}
	if mqttCfg.InflightExpiry > 0 {
		cfg.AckTimeout = mqttCfg.InflightExpiry
	}
	cfg.Emitter = emitter
	cfg.ClientLabel = clientLabel
	return cfg
}

// ClientID satisfies dispatcher.Outbox.
func (c *Client) ClientID() string {
	return c.session.ClientID
}

// Enqueue satisfies dispatcher.Outbox: a non-blocking append bounded by
// outCap, mirroring the channel-based outboxes a TCP-native client would
// use but kept as a plain slice here since delivery is driven synchronously
// from Engine.fanOut/flush rather than a per-client goroutine reading off a
// Go channel.
func (c *Client) Enqueue(msg *message.Message) bool {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()
	if c.outCap > 0 && len(c.outbox) >= c.outCap {
		return false
	}
	c.outbox = append(c.outbox, msg)
	return true
}

// EvictOldest satisfies dispatcher.Outbox.
func (c *Client) EvictOldest() (*message.Message, bool) {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()
	if len(c.outbox) == 0 {
		return nil, false
	}
	oldest := c.outbox[0]
	c.outbox = c.outbox[1:]
	return oldest, true
}

// drain removes and returns every message currently queued, in order, for
// the Engine to flush to the wire after a successful Deliver call.
func (c *Client) drain() []*message.Message {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()
	if len(c.outbox) == 0 {
		return nil
	}
	drained := c.outbox
	c.outbox = nil
	return drained
}

func (c *Client) closeHandlers() {
	_ = c.inbound.Close()
	_ = c.outbound.Close()
}

var _ dispatcher.Outbox = (*Client)(nil)
