package broker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flowmq/core/authgate"
	"github.com/flowmq/core/config"
	"github.com/flowmq/core/dispatcher"
	"github.com/flowmq/core/encoding"
	"github.com/flowmq/core/hook"
	"github.com/flowmq/core/listener"
	"github.com/flowmq/core/metrics"
	"github.com/flowmq/core/mqttlog"
	"github.com/flowmq/core/session"
	"github.com/flowmq/core/topic"
	"github.com/flowmq/core/types/message"
)

// Engine is the broker's protocol state machine: it owns no transport of
// its own (Listener/WebSocketListener hand it accepted connections through
// OnConnection) and holds the components every connection's read loop
// shares — the session manager, the cross-connection Dispatcher, the
// AuthGate, and logging/metrics.
type Engine struct {
	cfg      *config.Config
	sessions *session.Manager
	dispatch *dispatcher.Dispatcher
	gate     *authgate.Gate
	log      mqttlog.Logger
	emitter  metrics.Emitter

	mu      sync.RWMutex
	clients map[string]*Client // clientID -> live client, for will/takeover lookups
}

// New builds an Engine. gate, emitter and log may be their zero-behavior
// defaults (an empty authgate.Gate, metrics.Noop{}, any mqttlog.Logger).
func New(cfg *config.Config, sessions *session.Manager, dispatch *dispatcher.Dispatcher, gate *authgate.Gate, log mqttlog.Logger, emitter metrics.Emitter) *Engine {
	if emitter == nil {
		emitter = metrics.Noop{}
	}
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		dispatch: dispatch,
		gate:     gate,
		log:      log,
		emitter:  emitter,
		clients:  make(map[string]*Client),
	}
}

// HandleConnection is a listener.ConnectionHandler: register it with every
// Listener/WebSocketListener sharing this Engine. It blocks for the life of
// the connection, running that connection's read loop inline on the
// goroutine the Listener spawned to accept it.
func (e *Engine) HandleConnection(conn *listener.Connection) error {
	defer conn.Close()

	client, err := e.handshake(conn)
	if err != nil {
		e.log.Debug("connect handshake failed", "conn", conn.ID(), "err", err)
		return err
	}
	e.emitter.Inc(metrics.EventSessionAdded)
	defer e.detach(client)

	return e.readLoop(client)
}

// handshake reads the mandatory first packet, which MQTT requires to be
// CONNECT, authenticates it, resolves session takeover, and replies with
// CONNACK.
func (e *Engine) handshake(conn *listener.Connection) (*Client, error) {
	fh, err := encoding.DecodeFixedHeader(conn)
	if err != nil {
		return nil, fmt.Errorf("broker: read first packet: %w", err)
	}
	if fh.Type != encoding.CONNECT {
		return nil, fmt.Errorf("broker: first packet must be CONNECT, got %s", fh.Type)
	}

	body := io.LimitReader(conn, int64(fh.RemainingLength))
	// CONNECT's own ProtocolVersion field selects how to read the rest of
	// its own body (Properties appear only in v5); DecodePacket re-derives
	// this from the bytes themselves rather than needing it passed in.
	pkt, err := encoding.DecodePacket(encoding.ProtocolVersion5, fh, body)
	if err != nil {
		return nil, fmt.Errorf("broker: decode CONNECT: %w", err)
	}
	connect := pkt.(*encoding.Connect)

	clientID := connect.ClientID
	if clientID == "" {
		if !e.cfg.Mqtt.AllowZeroLengthClientID {
			return nil, e.rejectConnect(conn, connect.ProtocolVersion, encoding.ReasonClientIdentifierNotValid)
		}
		generated, err := e.sessions.GenerateClientID(context.Background())
		if err != nil {
			return nil, e.rejectConnect(conn, connect.ProtocolVersion, encoding.ReasonUnspecifiedError)
		}
		clientID = generated
	}

	hookClient := &hook.Client{
		ID:              clientID,
		RemoteAddr:      conn.RemoteAddr(),
		LocalAddr:       conn.LocalAddr(),
		Username:        connect.Username,
		CleanStart:      connect.CleanStart,
		ProtocolVersion: byte(connect.ProtocolVersion),
		KeepAlive:       connect.KeepAlive,
		ConnectedAt:     time.Now(),
	}
	hookConnect := &hook.ConnectPacket{
		ProtocolName:    connect.ProtocolName,
		ProtocolVersion: byte(connect.ProtocolVersion),
		CleanStart:      connect.CleanStart,
		KeepAlive:       connect.KeepAlive,
		ClientID:        clientID,
		Username:        connect.Username,
		Password:        connect.Password,
	}

	if e.gate != nil && !e.gate.Authenticate(hookClient, hookConnect) {
		return nil, e.rejectConnect(conn, connect.ProtocolVersion, encoding.ReasonBadUsernameOrPassword)
	}
	if e.gate != nil {
		if err := e.gate.Manager().OnConnect(hookClient, hookConnect); err != nil {
			return nil, e.rejectConnect(conn, connect.ProtocolVersion, encoding.ReasonUnspecifiedError)
		}
	}

	// Takeover: evict whatever client currently holds this client ID before
	// the new session claims it, so exactly one connection is ever live
	// per client ID.
	if previousSessionID, had := e.dispatch.ClaimSession(clientID, conn.ID()); had {
		e.evict(clientID, previousSessionID)
	}

	sess, sessionPresent, err := e.sessions.CreateSession(context.Background(), clientID, connect.CleanStart, sessionExpiryOf(connect), byte(connect.ProtocolVersion))
	if err != nil {
		return nil, e.rejectConnect(conn, connect.ProtocolVersion, encoding.ReasonUnspecifiedError)
	}
	sess.SetTopicAliasMax(e.cfg.Mqtt.TopicAliasMax)
	sess.SetReceiveMaximum(negotiatedReceiveMax(e.cfg.Mqtt.ReceiveMax, &connect.Properties))
	hookConnect.SessionPresent = sessionPresent
	if e.gate != nil {
		if err := e.gate.Manager().OnSessionEstablished(hookClient, hookConnect); err != nil {
			return nil, e.rejectConnect(conn, connect.ProtocolVersion, encoding.ReasonUnspecifiedError)
		}
	}
	if connect.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:   connect.WillTopic,
			Payload: connect.WillPayload,
			QoS:     byte(connect.WillQoS),
			Retain:  connect.WillRetain,
		}, willDelayOf(connect))
	}

	client := newClient(conn, sess, byte(connect.ProtocolVersion), e.cfg.Mqtt, e.emitter)
	e.wireQoSHandlers(client)

	e.mu.Lock()
	e.clients[clientID] = client
	e.mu.Unlock()

	if connect.KeepAlive > 0 {
		go e.watchKeepAlive(client, connect.KeepAlive)
	}

	ack := &encoding.ConnAck{
		SessionPresent: sessionPresent,
		ReasonCode:     encoding.ReasonSuccess,
		Properties:     e.connAckProperties(sess),
	}
	if err := e.writePacket(client, ack); err != nil {
		return nil, err
	}
	e.log.Info("client connected", "client_id", clientID, "clean_start", connect.CleanStart, "session_present", sessionPresent)
	return client, nil
}

func sessionExpiryOf(c *encoding.Connect) uint32 {
	return uint32Property(&c.Properties, encoding.PropSessionExpiryInterval)
}

func willDelayOf(c *encoding.Connect) uint32 {
	return uint32Property(&c.WillProperties, encoding.PropWillDelayInterval)
}

func messageExpiryOf(props *encoding.Properties) (uint32, bool) {
	prop := props.GetProperty(encoding.PropMessageExpiryInterval)
	if prop == nil {
		return 0, false
	}
	v, ok := prop.Value.(uint32)
	return v, ok
}

// publishPropertiesOf lifts the request/response and application properties
// off an inbound PUBLISH (§3.3.2.3) into the generic property map
// message.NewMessage accepts, so they ride along with the message to every
// subscriber rather than being dropped at the first hop.
func publishPropertiesOf(props *encoding.Properties) map[string]interface{} {
	out := map[string]interface{}{}
	if v, ok := messageExpiryOf(props); ok {
		out["MessageExpiryInterval"] = v
	}
	if prop := props.GetProperty(encoding.PropPayloadFormatIndicator); prop != nil {
		if b, ok := prop.Value.(byte); ok {
			out["PayloadFormatIndicator"] = b != 0
		}
	}
	if prop := props.GetProperty(encoding.PropContentType); prop != nil {
		if s, ok := prop.Value.(string); ok {
			out["ContentType"] = s
		}
	}
	if prop := props.GetProperty(encoding.PropResponseTopic); prop != nil {
		if s, ok := prop.Value.(string); ok {
			out["ResponseTopic"] = s
		}
	}
	if prop := props.GetProperty(encoding.PropCorrelationData); prop != nil {
		if b, ok := prop.Value.([]byte); ok {
			out["CorrelationData"] = b
		}
	}
	if pairs := props.GetProperties(encoding.PropUserProperty); len(pairs) > 0 {
		userProps := make([]message.UserProperty, 0, len(pairs))
		for _, p := range pairs {
			if pair, ok := p.Value.(encoding.UTF8Pair); ok {
				userProps = append(userProps, message.UserProperty{Key: pair.Key, Value: pair.Value})
			}
		}
		out["UserProperties"] = userProps
	}
	return out
}

// applyPublishProperties writes msg's MQTT5 properties back onto an outbound
// Publish packet, mirroring what publishPropertiesOf extracted so every
// subscriber sees the same request/response metadata the publisher sent.
func applyPublishProperties(pkt *encoding.Publish, msg *message.Message) {
	if msg.MessageExpirySet {
		_ = pkt.Properties.AddProperty(encoding.PropMessageExpiryInterval, msg.ExpiryInterval)
	}
	if msg.PayloadFormatIndicator {
		_ = pkt.Properties.AddProperty(encoding.PropPayloadFormatIndicator, byte(1))
	}
	if msg.ContentType != "" {
		_ = pkt.Properties.AddProperty(encoding.PropContentType, msg.ContentType)
	}
	if msg.ResponseTopic != "" {
		_ = pkt.Properties.AddProperty(encoding.PropResponseTopic, msg.ResponseTopic)
	}
	if msg.CorrelationData != nil {
		_ = pkt.Properties.AddProperty(encoding.PropCorrelationData, msg.CorrelationData)
	}
	for _, up := range msg.UserProperties {
		_ = pkt.Properties.AddProperty(encoding.PropUserProperty, encoding.UTF8Pair{Key: up.Key, Value: up.Value})
	}
	for _, id := range msg.SubscriptionIdentifiers {
		_ = pkt.Properties.AddProperty(encoding.PropSubscriptionIdentifier, id)
	}
}

func uint32Property(props *encoding.Properties, id encoding.PropertyID) uint32 {
	prop := props.GetProperty(id)
	if prop == nil {
		return 0
	}
	v, _ := prop.Value.(uint32)
	return v
}

// negotiatedReceiveMax narrows the broker's configured Receive Maximum to
// whatever (smaller) value the client itself advertised in CONNECT, per
// MQTT5 §3.1.2.11.3: each side only ever sends as many unacknowledged QoS
// 1/2 publishes as the other side said it could hold.
func negotiatedReceiveMax(configured uint16, props *encoding.Properties) uint16 {
	prop := props.GetProperty(encoding.PropReceiveMaximum)
	if prop == nil {
		return configured
	}
	clientMax, ok := prop.Value.(uint16)
	if !ok || clientMax == 0 {
		return configured
	}
	if configured == 0 || clientMax < configured {
		return clientMax
	}
	return configured
}

// connAckProperties reports the broker's negotiated MQTT5 capabilities;
// v3/3.1.1 connections never read Properties so this is harmless to set
// unconditionally and EncodePacket skips it for those protocol versions.
func (e *Engine) connAckProperties(sess *session.Session) encoding.Properties {
	var props encoding.Properties
	_ = props.AddProperty(encoding.PropReceiveMaximum, sess.ReceiveMaximum)
	_ = props.AddProperty(encoding.PropMaximumQoS, e.cfg.Mqtt.MaximumQoS)
	_ = props.AddProperty(encoding.PropRetainAvailable, boolToByte(e.cfg.Mqtt.RetainAvailable))
	_ = props.AddProperty(encoding.PropTopicAliasMaximum, e.cfg.Mqtt.TopicAliasMax)
	_ = props.AddProperty(encoding.PropWildcardSubscriptionAvailable, boolToByte(e.cfg.Mqtt.WildcardSubAvailable))
	_ = props.AddProperty(encoding.PropSharedSubscriptionAvailable, boolToByte(e.cfg.Mqtt.SharedSubAvailable))
	_ = props.AddProperty(encoding.PropSubscriptionIdentifierAvailable, boolToByte(e.cfg.Mqtt.SubscriptionIDAvailable))
	if e.cfg.Mqtt.MaxPacketSize > 0 {
		_ = props.AddProperty(encoding.PropMaximumPacketSize, e.cfg.Mqtt.MaxPacketSize)
	}
	return props
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// rejectConnect writes a CONNACK carrying reason and returns an error so
// the caller tears the connection down; it never returns nil.
func (e *Engine) rejectConnect(conn *listener.Connection, version encoding.ProtocolVersion, reason encoding.ReasonCode) error {
	ack := &encoding.ConnAck{ReasonCode: reason}
	_ = encoding.EncodePacket(version, ack, conn)
	return fmt.Errorf("broker: CONNECT rejected: reason code 0x%02X", byte(reason))
}

// evict forcibly disconnects the connection currently holding sessionID
// (really a connection ID, per ClaimSession's key), used when a new CONNECT
// arrives for a client ID that is already live.
func (e *Engine) evict(clientID, _ string) {
	e.mu.RLock()
	existing, ok := e.clients[clientID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	if existing.version == byte(encoding.ProtocolVersion5) {
		_ = e.writePacket(existing, &encoding.Disconnect{ReasonCode: encoding.ReasonSessionTakenOver})
	}
	_ = existing.conn.Close()
}

// watchKeepAlive enforces MQTT §3.1.2.10: a client that sends nothing for
// 1.5x its negotiated keep-alive interval is disconnected. listener.Connection
// already tracks per-read/write activity (IdleDuration), so this only needs
// to poll it rather than duplicate that bookkeeping; it exits as soon as the
// connection closes for any other reason.
func (e *Engine) watchKeepAlive(client *Client, keepAliveSeconds uint16) {
	limit := time.Duration(keepAliveSeconds) * 3 * time.Second / 2
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-client.conn.CloseChan():
			return
		case <-ticker.C:
			if client.conn.IdleDuration() > limit {
				e.log.Warn("keep-alive timeout", "client_id", client.ClientID(), "limit", limit)
				_ = client.conn.Close()
				return
			}
		}
	}
}

// DisconnectHandler adapts Engine to listener.DisconnectHandler, so a
// listener.GracefulShutdown draining the connection pool can ask each MQTT5
// client to process a server-initiated DISCONNECT (with its reason code)
// before the transport closes the socket out from under it. MQTT 3.1.1 has
// no server-to-client DISCONNECT, so those connections are left for the
// transport to simply close.
func (e *Engine) DisconnectHandler() listener.DisconnectHandler {
	return func(conn *listener.Connection, pkt *listener.DisconnectPacket) error {
		e.mu.RLock()
		var client *Client
		for _, c := range e.clients {
			if c.conn == conn {
				client = c
				break
			}
		}
		e.mu.RUnlock()
		if client == nil || client.version != byte(encoding.ProtocolVersion5) {
			return nil
		}
		return e.writePacket(client, &encoding.Disconnect{ReasonCode: encoding.ReasonCode(pkt.ReasonCode)})
	}
}

func (e *Engine) detach(client *Client) {
	clientID := client.ClientID()
	e.mu.Lock()
	if e.clients[clientID] == client {
		delete(e.clients, clientID)
	}
	e.mu.Unlock()

	e.dispatch.ReleaseSession(clientID, client.conn.ID())
	sendWill := client.session.GetState() != session.StateDisconnected
	expire := client.session.GetCleanStart() || client.session.GetExpiryInterval() == 0
	if e.gate != nil {
		e.gate.Manager().OnDisconnect(&hook.Client{ID: clientID}, nil, expire)
	}
	_ = e.sessions.DisconnectSession(context.Background(), clientID, sendWill)
	if client.session.GetCleanStart() {
		e.dispatch.UnsubscribeAll(clientID)
	}
	client.closeHandlers()
	e.emitter.Inc(metrics.EventSessionRemoved)
}

// readLoop processes every packet after CONNECT until the connection
// closes or a protocol violation ends it.
func (e *Engine) readLoop(client *Client) error {
	for {
		fh, err := encoding.DecodeFixedHeader(client.conn)
		if err != nil {
			return err
		}
		e.emitter.Inc(metrics.EventPacketReceived, client.ClientID())

		body := io.LimitReader(client.conn, int64(fh.RemainingLength))
		version := encoding.ProtocolVersion(client.version)
		pkt, err := encoding.DecodePacket(version, fh, body)
		if err != nil {
			return fmt.Errorf("broker: decode %s: %w", fh.Type, err)
		}

		if err := e.dispatchPacket(client, pkt); err != nil {
			return err
		}
		if fh.Type == encoding.DISCONNECT {
			return nil
		}
	}
}

func (e *Engine) dispatchPacket(client *Client, pkt encoding.Packet) error {
	switch p := pkt.(type) {
	case *encoding.Publish:
		return e.handlePublish(client, p)
	case *encoding.PubAck:
		client.session.RemovePendingPublish(p.PacketID)
		if e.gate != nil {
			e.gate.Manager().OnQosComplete(&hook.Client{ID: client.ClientID()}, p.PacketID, encoding.PUBACK)
		}
		return client.outbound.HandlePuback(p.PacketID)
	case *encoding.PubRec:
		client.session.RemovePendingPublish(p.PacketID)
		client.session.AddPendingPubcomp(p.PacketID)
		return client.outbound.HandlePubrec(p.PacketID)
	case *encoding.PubRel:
		client.session.RemovePendingPubrel(p.PacketID)
		return client.inbound.HandlePubrel(p.PacketID)
	case *encoding.PubComp:
		client.session.RemovePendingPubcomp(p.PacketID)
		if e.gate != nil {
			e.gate.Manager().OnQosComplete(&hook.Client{ID: client.ClientID()}, p.PacketID, encoding.PUBCOMP)
		}
		return client.outbound.HandlePubcomp(p.PacketID)
	case *encoding.Subscribe:
		return e.handleSubscribe(client, p)
	case *encoding.Unsubscribe:
		return e.handleUnsubscribe(client, p)
	case *encoding.PingReq:
		return e.writePacket(client, &encoding.PingResp{})
	case *encoding.Disconnect:
		client.session.ClearWillMessage()
		return nil
	default:
		return fmt.Errorf("broker: unexpected packet type %T after CONNECT", pkt)
	}
}

func (e *Engine) handlePublish(client *Client, p *encoding.Publish) error {
	topicName, err := e.resolveTopicAlias(client, p)
	if err != nil {
		return e.ackPublish(client, p, encoding.ReasonTopicAliasInvalid)
	}

	if e.gate != nil {
		hookClient := &hook.Client{ID: client.ClientID()}
		if !e.gate.Authorize(hookClient, topicName, hook.AccessTypeWrite) {
			return e.ackPublish(client, p, encoding.ReasonNotAuthorized)
		}
	}

	msg := message.NewMessage(p.PacketID, topicName, p.Payload, encoding.QoS(p.QoS), p.Retain, publishPropertiesOf(&p.Properties))

	deliver := func(m *message.Message) error {
		e.emitter.Inc(metrics.EventPublishReceived, client.ClientID())
		hookPkt := &hook.PublishPacket{
			PacketID:  m.PacketID,
			Topic:     m.Topic,
			Payload:   m.Payload,
			QoS:       byte(m.QoS),
			Retain:    m.Retain,
			Duplicate: p.Dup,
		}
		if e.gate != nil {
			if err := e.gate.Manager().OnPublish(&hook.Client{ID: client.ClientID()}, hookPkt); err != nil {
				e.emitter.Inc(metrics.EventPublishDropped, client.ClientID())
				return nil
			}
		}
		if m.Retain {
			_ = e.dispatch.Retain(context.Background(), m)
		}
		e.fanOut(client.ClientID(), m)
		if e.gate != nil {
			e.gate.Manager().OnPublished(&hook.Client{ID: client.ClientID()}, hookPkt)
		}
		return nil
	}

	switch p.QoS {
	case encoding.QoS0:
		return deliver(msg)
	case encoding.QoS2:
		client.session.AddPendingPubrel(p.PacketID)
		client.inbound.SetPublishCallback(deliver)
		return client.inbound.HandlePublish(msg)
	default:
		client.inbound.SetPublishCallback(deliver)
		return client.inbound.HandlePublish(msg)
	}
}

// resolveTopicAlias honors MQTT5 Topic Alias (§3.3.2.3.4): a PUBLISH
// carrying both a topic name and an alias registers that mapping for the
// rest of the connection; one carrying only the alias must resolve against
// a mapping this client already registered.
func (e *Engine) resolveTopicAlias(client *Client, p *encoding.Publish) (string, error) {
	prop := p.Properties.GetProperty(encoding.PropTopicAlias)
	if prop == nil {
		return p.TopicName, nil
	}
	alias, _ := prop.Value.(uint16)
	if p.TopicName != "" {
		if err := client.session.RegisterInboundAlias(alias, p.TopicName); err != nil {
			return "", err
		}
		return p.TopicName, nil
	}
	return client.session.ResolveInboundAlias(alias)
}

func (e *Engine) ackPublish(client *Client, p *encoding.Publish, reason encoding.ReasonCode) error {
	switch p.QoS {
	case encoding.QoS1:
		return e.writePacket(client, &encoding.PubAck{PacketID: p.PacketID, ReasonCode: reason})
	case encoding.QoS2:
		return e.writePacket(client, &encoding.PubRec{PacketID: p.PacketID, ReasonCode: reason})
	default:
		return nil
	}
}

// fanOut routes msg to every current subscriber of its topic, enqueuing
// into each subscriber's Client outbox via the Dispatcher's backpressure
// policy and then flushing the wire immediately (fanOut runs on the
// publisher's read-loop goroutine, so each destination Client serializes
// the actual write through its own writeMu).
func (e *Engine) fanOut(publisherClientID string, msg *message.Message) {
	subs := e.dispatch.Subscribers(msg.Topic, publisherClientID)
	for _, sub := range subs {
		e.mu.RLock()
		dest, ok := e.clients[sub.ClientID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		qos := msg.QoS
		if byte(qos) > sub.QoS {
			qos = encoding.QoS(sub.QoS)
		}
		outMsg := msg
		if sub.SubscriptionIdentifier != 0 {
			outMsg = msg.Clone()
			outMsg.AddSubscriptionIdentifier(sub.SubscriptionIdentifier)
		}
		e.dispatch.Deliver(outMsg, byte(qos), dest)
		e.flush(dest, qos, msg.Retain && sub.RetainAsPublished)
	}
}

// flush writes every message dispatcher.Deliver queued into dest's outbox.
func (e *Engine) flush(dest *Client, qos encoding.QoS, retain bool) {
	for _, msg := range dest.drain() {
		switch qos {
		case encoding.QoS0:
			e.writePublish(dest, msg, 0, retain, false)
		default:
			dest.outboundMu.Lock()
			dest.outbound.SetPublishCallback(func(m *message.Message) error {
				return e.writePublish(dest, m, m.QoS, retain, m.DUP)
			})
			var packetID uint16
			if qos == encoding.QoS1 {
				packetID, _ = dest.outbound.PublishQoS1(msg.Topic, msg.Payload, retain, msg.Properties)
			} else {
				packetID, _ = dest.outbound.PublishQoS2(msg.Topic, msg.Payload, retain, msg.Properties)
			}
			dest.outboundMu.Unlock()
			if packetID != 0 {
				_ = dest.session.AddPendingPublish(&session.PendingMessage{
					PacketID:  packetID,
					Topic:     msg.Topic,
					Payload:   msg.Payload,
					QoS:       byte(qos),
					Retain:    retain,
					Timestamp: time.Now(),
				})
			}
		}
	}
}

func (e *Engine) writePublish(dest *Client, msg *message.Message, qos encoding.QoS, retain, dup bool) error {
	pkt := &encoding.Publish{
		Dup:       dup,
		QoS:       qos,
		Retain:    retain,
		TopicName: msg.Topic,
		PacketID:  msg.PacketID,
		Payload:   msg.Payload,
	}
	applyPublishProperties(pkt, msg)
	e.applyOutboundAlias(dest, pkt)
	e.emitter.Inc(metrics.EventPublishSent, dest.ClientID())
	return e.writePacket(dest, pkt)
}

// applyOutboundAlias assigns or reuses a topic alias for pkt's topic, per
// MQTT5 §3.3.2.3.4: once a topic has been sent under an alias this session
// registered, later publishes to it can carry the alias alone, shrinking
// the wire footprint for repeat topics.
func (e *Engine) applyOutboundAlias(dest *Client, pkt *encoding.Publish) {
	if alias, known := dest.session.OutboundAlias(pkt.TopicName); known {
		_ = pkt.Properties.AddProperty(encoding.PropTopicAlias, alias)
		pkt.TopicName = ""
		return
	}
	if alias, ok := dest.session.AssignOutboundAlias(pkt.TopicName); ok {
		_ = pkt.Properties.AddProperty(encoding.PropTopicAlias, alias)
	}
}

func (e *Engine) handleSubscribe(client *Client, p *encoding.Subscribe) error {
	reasons := make([]encoding.ReasonCode, len(p.Subscriptions))
	for i, sr := range p.Subscriptions {
		if err := topic.ValidateTopicFilter(sr.TopicFilter); err != nil {
			reasons[i] = encoding.ReasonTopicFilterInvalid
			continue
		}
		if e.gate != nil {
			hookClient := &hook.Client{ID: client.ClientID()}
			if !e.gate.Authorize(hookClient, sr.TopicFilter, hook.AccessTypeRead) {
				reasons[i] = encoding.ReasonNotAuthorized
				continue
			}
		}

		sub := &topic.Subscription{
			ClientID:               client.ClientID(),
			TopicFilter:            sr.TopicFilter,
			QoS:                    byte(sr.QoS),
			NoLocal:                sr.NoLocal,
			RetainAsPublished:      sr.RetainAsPublished,
			RetainHandling:         sr.RetainHandling,
			SubscriptionIdentifier: sr.SubscriptionIdentifier,
		}
		hookSub := &hook.Subscription{
			ClientID:               client.ClientID(),
			TopicFilter:            sr.TopicFilter,
			QoS:                    byte(sr.QoS),
			NoLocal:                sr.NoLocal,
			RetainAsPublished:      sr.RetainAsPublished,
			RetainHandling:         sr.RetainHandling,
			SubscriptionIdentifier: sr.SubscriptionIdentifier,
		}
		if e.gate != nil {
			if err := e.gate.Manager().OnSubscribe(&hook.Client{ID: client.ClientID()}, hookSub); err != nil {
				reasons[i] = encoding.ReasonNotAuthorized
				continue
			}
		}
		if err := e.dispatch.Subscribe(sub); err != nil {
			reasons[i] = encoding.ReasonUnspecifiedError
			continue
		}
		client.session.AddSubscription(&session.Subscription{
			TopicFilter:            sr.TopicFilter,
			QoS:                    byte(sr.QoS),
			NoLocal:                sr.NoLocal,
			RetainAsPublished:      sr.RetainAsPublished,
			RetainHandling:         sr.RetainHandling,
			SubscriptionIdentifier: sr.SubscriptionIdentifier,
		})
		if e.gate != nil {
			e.gate.Manager().OnSubscribed(&hook.Client{ID: client.ClientID()}, hookSub)
		}
		e.emitter.Inc(metrics.EventSubscriptionAdded, client.ClientID())
		reasons[i] = grantedReasonFor(sr.QoS)

		if sr.RetainHandling != 2 {
			e.replayRetained(client, sr)
		}
	}

	return e.writePacket(client, &encoding.SubAck{PacketID: p.PacketID, ReasonCodes: reasons})
}

func grantedReasonFor(qos encoding.QoS) encoding.ReasonCode {
	switch qos {
	case encoding.QoS1:
		return encoding.ReasonGrantedQoS1
	case encoding.QoS2:
		return encoding.ReasonGrantedQoS2
	default:
		return encoding.ReasonGrantedQoS0
	}
}

func (e *Engine) replayRetained(client *Client, sr encoding.SubscriptionRequest) {
	matches, err := e.dispatch.RetainedMatches(context.Background(), sr.TopicFilter)
	if err != nil {
		return
	}
	for _, m := range matches {
		e.writePublish(client, m, minQoS(m.QoS, encoding.QoS(sr.QoS)), true, false)
	}
}

func minQoS(a, b encoding.QoS) encoding.QoS {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) handleUnsubscribe(client *Client, p *encoding.Unsubscribe) error {
	reasons := make([]encoding.ReasonCode, len(p.TopicFilters))
	for i, filter := range p.TopicFilters {
		if e.gate != nil {
			if err := e.gate.Manager().OnUnsubscribe(&hook.Client{ID: client.ClientID()}, filter); err != nil {
				reasons[i] = encoding.ReasonNotAuthorized
				continue
			}
		}
		if e.dispatch.Unsubscribe(client.ClientID(), filter) {
			client.session.RemoveSubscription(filter)
			if e.gate != nil {
				e.gate.Manager().OnUnsubscribed(&hook.Client{ID: client.ClientID()}, filter)
			}
			e.emitter.Inc(metrics.EventSubscriptionRemoved, client.ClientID())
			reasons[i] = encoding.ReasonSuccess
		} else {
			reasons[i] = encoding.ReasonNoSubscriptionExisted
		}
	}
	return e.writePacket(client, &encoding.UnsubAck{PacketID: p.PacketID, ReasonCodes: reasons})
}

// wireQoSHandlers binds a Client's inbound ack-sending and outbound
// PUBREL-sending paths; the delivery (onPublish) callbacks are set
// per-call in handlePublish/flush since they close over that call's
// message.
func (e *Engine) wireQoSHandlers(client *Client) {
	client.inbound.SetPubackCallback(func(packetID uint16) error {
		return e.writePacket(client, &encoding.PubAck{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	client.inbound.SetPubrecCallback(func(packetID uint16) error {
		return e.writePacket(client, &encoding.PubRec{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	client.inbound.SetPubcompCallback(func(packetID uint16) error {
		return e.writePacket(client, &encoding.PubComp{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	client.outbound.SetPubrelCallback(func(packetID uint16) error {
		return e.writePacket(client, &encoding.PubRel{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
}

func (e *Engine) writePacket(client *Client, pkt encoding.Packet) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	e.emitter.Inc(metrics.EventPacketSent, client.ClientID())
	return encoding.EncodePacket(encoding.ProtocolVersion(client.version), pkt, client.conn)
}

// WillAdapter breaks the constructor cycle between session.NewManager
// (which takes a WillPublisher at construction) and Engine (which needs
// the already-constructed *session.Manager): build one, hand it to
// session.NewManager, then call SetEngine once the Engine exists.
type WillAdapter struct {
	engine *Engine
}

// SetEngine completes the adapter; call once, right after New.
func (a *WillAdapter) SetEngine(e *Engine) {
	a.engine = e
}

// PublishWill satisfies session.WillPublisher, routing a disconnected
// client's will message through the same Dispatcher fan-out every regular
// PUBLISH uses.
func (a *WillAdapter) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	if a.engine == nil || will == nil {
		return nil
	}
	e := a.engine
	hookWill := &hook.WillMessage{
		Topic:             will.Topic,
		Payload:           will.Payload,
		QoS:               will.QoS,
		Retain:            will.Retain,
		WillDelayInterval: will.WillDelayInterval,
	}
	if e.gate != nil {
		if hookWill = e.gate.Manager().OnWill(&hook.Client{ID: clientID}, hookWill); hookWill == nil {
			return nil
		}
	}
	msg := message.NewMessage(0, hookWill.Topic, hookWill.Payload, encoding.QoS(hookWill.QoS), hookWill.Retain, nil)
	if msg.Retain {
		_ = e.dispatch.Retain(ctx, msg)
	}
	e.fanOut(clientID, msg)
	if e.gate != nil {
		e.gate.Manager().OnWillSent(&hook.Client{ID: clientID}, hookWill)
	}
	return nil
}
