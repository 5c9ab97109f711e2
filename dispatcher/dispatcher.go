// Package dispatcher owns cross-session routing: the subscription trie,
// the retained-message store, and the client_id -> session_id registry
// that arbitrates takeover when a client ID reconnects while still live.
package dispatcher

import (
	"context"

	"github.com/flowmq/core/metrics"
	"github.com/flowmq/core/topic"
	"github.com/flowmq/core/types/message"
)

// Config tunes the backpressure policy a Dispatcher enforces on every
// per-client outbound queue.
type Config struct {
	// MaxQueueMessages records the per-client QoS 1/2 outbound queue
	// depth. Deliver does not read it: the bound is whatever each Outbox
	// enforces in Enqueue, and once Enqueue reports full the oldest
	// unacknowledged message is evicted to make room for the new one.
	MaxQueueMessages int
	// QueueQoS0Messages, if false (the default), makes QoS 0 publishes
	// drop immediately on a full outbound channel rather than queuing —
	// QoS 0 has no delivery guarantee to begin with.
	QueueQoS0Messages bool
}

// Outbox is the per-client outbound message sink a Dispatcher delivers
// into; broker.Client implements this over its own bounded slice.
type Outbox interface {
	// ClientID identifies the outbox for metrics labeling.
	ClientID() string
	// Enqueue attempts a non-blocking send of msg. ok is false if the
	// outbox's channel was full.
	Enqueue(msg *message.Message) (ok bool)
	// EvictOldest drops and returns the oldest still-unacknowledged
	// QoS 1/2 message to make room for a new one, or ok=false if empty.
	EvictOldest() (evicted *message.Message, ok bool)
}

// Dispatcher routes publishes to matching subscribers, answers retained-
// message replay on SUBSCRIBE, and arbitrates client_id takeover. One
// Dispatcher instance is shared across every Listener in the broker so
// subscriptions and retained state are visible regardless of which
// listener a publisher or subscriber connected through.
type Dispatcher struct {
	router   *topic.Router
	retained *RetainedStore
	registry *Registry
	emitter  metrics.Emitter
	cfg      Config
}

// New builds a Dispatcher. emitter may be metrics.Noop{} when metrics are
// disabled.
func New(cfg Config, retained *RetainedStore, emitter metrics.Emitter) *Dispatcher {
	if emitter == nil {
		emitter = metrics.Noop{}
	}
	return &Dispatcher{
		router:   topic.NewRouter(),
		retained: retained,
		registry: NewRegistry(),
		emitter:  emitter,
		cfg:      cfg,
	}
}

// Subscribe registers sub in the trie and fires subscription_added.
func (d *Dispatcher) Subscribe(sub *topic.Subscription) error {
	if err := d.router.Subscribe(sub); err != nil {
		return err
	}
	d.emitter.Inc(metrics.EventSubscriptionAdded)
	return nil
}

// Unsubscribe removes a subscription and fires subscription_removed.
func (d *Dispatcher) Unsubscribe(clientID, filter string) bool {
	removed := d.router.Unsubscribe(clientID, filter)
	if removed {
		d.emitter.Inc(metrics.EventSubscriptionRemoved)
	}
	return removed
}

// UnsubscribeAll drops every subscription for clientID, used on session
// takeover and clean-session disconnect.
func (d *Dispatcher) UnsubscribeAll(clientID string) int {
	n := d.router.UnsubscribeAll(clientID)
	for i := 0; i < n; i++ {
		d.emitter.Inc(metrics.EventSubscriptionRemoved)
	}
	return n
}

// Subscribers returns every subscriber matching topicName, excluding the
// publisher itself where NoLocal is set.
func (d *Dispatcher) Subscribers(topicName, publisherClientID string) []topic.SubscriberInfo {
	return d.router.MatchWithPublisher(topicName, publisherClientID)
}

// Retain stores or clears the retained message for msg.Topic and fires
// retained_message_added/removed.
func (d *Dispatcher) Retain(ctx context.Context, msg *message.Message) error {
	if err := d.retained.Set(ctx, msg.Topic, msg); err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		d.emitter.Inc(metrics.EventRetainedMessageRemoved)
	} else {
		d.emitter.Inc(metrics.EventRetainedMessageAdded)
	}
	return nil
}

// RetainedMatches returns every retained message a newly-installed
// subscription to filter should replay.
func (d *Dispatcher) RetainedMatches(ctx context.Context, filter string) ([]*message.Message, error) {
	return d.retained.Match(ctx, filter)
}

// ClaimSession binds sessionID to clientID for takeover arbitration,
// returning the previous session ID if the client ID was already live.
func (d *Dispatcher) ClaimSession(clientID, sessionID string) (previous string, hadPrevious bool) {
	return d.registry.Claim(clientID, sessionID)
}

// ReleaseSession clears clientID's binding to sessionID.
func (d *Dispatcher) ReleaseSession(clientID, sessionID string) {
	d.registry.Release(clientID, sessionID)
}

// Deliver enqueues msg into outbox according to this Dispatcher's
// backpressure policy: QoS 0 drops on a full channel (unless
// Config.QueueQoS0Messages opts in to queuing it like QoS 1/2); QoS 1/2
// evicts the oldest unacknowledged message once the queue is full rather
// than drop the newer one, so delivery always makes forward progress.
func (d *Dispatcher) Deliver(msg *message.Message, qos byte, outbox Outbox) {
	if qos == 0 && !d.cfg.QueueQoS0Messages {
		if !outbox.Enqueue(msg) {
			d.emitter.Inc(metrics.EventPublishDropped, outbox.ClientID())
		} else {
			d.emitter.Inc(metrics.EventPublishSent, outbox.ClientID())
		}
		return
	}

	if outbox.Enqueue(msg) {
		d.emitter.Inc(metrics.EventPublishSent, outbox.ClientID())
		return
	}

	if _, evicted := outbox.EvictOldest(); evicted {
		d.emitter.Inc(metrics.EventPublishDropped, outbox.ClientID())
	}

	if outbox.Enqueue(msg) {
		d.emitter.Inc(metrics.EventPublishSent, outbox.ClientID())
	} else {
		d.emitter.Inc(metrics.EventPublishDropped, outbox.ClientID())
	}
}
