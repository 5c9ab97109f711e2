// Package metrics defines the narrow counter-event surface the broker core
// emits through. The core only ever calls Emitter.Inc/Observe; it never
// reads a metric back or depends on Prometheus being wired up at all.
package metrics

// Emitter is the event sink Session, Dispatcher and Listener call into.
// name identifies the counter/histogram (see the Event* constants below);
// labels are applied positionally, matching the metric's declared label
// names in the Prometheus backend.
type Emitter interface {
	Inc(name string, labels ...string)
	Observe(name string, v float64, labels ...string)
}

// Event names, grounded in the counters hebo/src/metrics.rs's
// DispatcherToMetricsCmd variants track per listener: listener lifecycle,
// session lifecycle, subscription lifecycle, retained-message lifecycle,
// and packet/byte counters split by direction.
const (
	EventListenerAdded          = "listener_added"
	EventListenerRemoved        = "listener_removed"
	EventSessionAdded           = "session_added"
	EventSessionRemoved         = "session_removed"
	EventSubscriptionAdded      = "subscription_added"
	EventSubscriptionRemoved    = "subscription_removed"
	EventRetainedMessageAdded   = "retained_message_added"
	EventRetainedMessageRemoved = "retained_message_removed"
	EventPublishSent            = "publish_sent"
	EventPublishReceived        = "publish_received"
	EventPublishDropped         = "publish_dropped"
	EventPacketSent             = "packet_sent"
	EventPacketReceived         = "packet_received"
	EventSessionExpired         = "session_expired"
	EventWillPublished          = "will_published"

	// ObserveInflightDepth and ObserveQueueDepth are histogram-style
	// observations of the per-session inflight window and message queue
	// occupancy, sampled by qos.Handler whenever a publish, acknowledgement,
	// retry or cleanup changes its pending set.
	ObserveInflightDepth = "inflight_depth"
	ObserveQueueDepth    = "queue_depth"
)

// Noop discards every event. It is the default Emitter so the core never
// requires Prometheus wiring to run.
type Noop struct{}

func (Noop) Inc(name string, labels ...string)             {}
func (Noop) Observe(name string, v float64, labels ...string) {}
