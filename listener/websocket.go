package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmq/core/metrics"
)

// wsConn adapts a *websocket.Conn (message-framed) to the net.Conn
// (stream-oriented) interface Connection expects, so the WS/WSS transport
// reuses the same Connection/Pool machinery as plain TCP. MQTT packets sent
// over WebSocket are carried one per binary message per the OASIS MQTT-WS
// binding, so Read buffers any unconsumed bytes of the current message
// across calls rather than assuming a message boundary aligns with a
// caller's buffer size.
type wsConn struct {
	ws   *websocket.Conn
	rest []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for len(c.rest) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.rest = data
	}
	n := copy(b, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error       { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error   { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error  { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)

// WebSocketListenerConfig configures the WS/WSS binding.
type WebSocketListenerConfig struct {
	Address        string
	Path           string
	TLSConfig      *tls.Config
	MaxConnections int
	// Subprotocols advertised to the client; MQTT over WebSocket requires
	// "mqtt" to be offered and selected per the OASIS binding.
	Subprotocols []string
	// Emitter receives listener lifecycle events, labeled by Address. A nil
	// Emitter defaults to metrics.Noop{}.
	Emitter metrics.Emitter
}

func DefaultWebSocketListenerConfig(address string) *WebSocketListenerConfig {
	return &WebSocketListenerConfig{
		Address:        address,
		Path:           "/mqtt",
		MaxConnections: 10000,
		Subprotocols:   []string{"mqtt"},
	}
}

// WebSocketListener accepts MQTT-over-WebSocket connections and feeds them
// into the same ConnectionHandler chain plain TCP listeners use, so a
// Dispatcher never needs to know which transport a Connection arrived on.
type WebSocketListener struct {
	config   *WebSocketListenerConfig
	upgrader websocket.Upgrader
	pool     *Pool
	server   *http.Server
	emitter  metrics.Emitter

	connSeq  atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64

	handlers []ConnectionHandler
}

func NewWebSocketListener(config *WebSocketListenerConfig, pool *Pool) (*WebSocketListener, error) {
	if config == nil {
		return nil, ErrInvalidAddress
	}
	if pool == nil {
		var err error
		pool, err = NewPool(DefaultPoolConfig())
		if err != nil {
			return nil, err
		}
	}

	emitter := config.Emitter
	if emitter == nil {
		emitter = metrics.Noop{}
	}

	return &WebSocketListener{
		config:  config,
		pool:    pool,
		emitter: emitter,
		upgrader: websocket.Upgrader{
			Subprotocols:    config.Subprotocols,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// OnConnection registers a handler invoked for each accepted connection,
// mirroring Listener.OnConnection.
func (l *WebSocketListener) OnConnection(handler ConnectionHandler) {
	l.handlers = append(l.handlers, handler)
}

// Handler returns the http.Handler serving upgrade requests at
// config.Path, so a WebSocketListener can be mounted on an existing
// *http.Server/mux or exercised directly in tests via httptest.
func (l *WebSocketListener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(l.config.Path, l.handleUpgrade)
	return mux
}

func (l *WebSocketListener) Start() error {
	l.server = &http.Server{
		Addr:      l.config.Address,
		Handler:   l.Handler(),
		TLSConfig: l.config.TLSConfig,
	}

	ln, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("failed to start websocket listener: %w", err)
	}

	l.emitter.Inc(metrics.EventListenerAdded, l.config.Address)

	go func() {
		if l.config.TLSConfig != nil {
			_ = l.server.ServeTLS(ln, "", "")
		} else {
			_ = l.server.Serve(ln)
		}
	}()

	return nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.config.MaxConnections > 0 && int(l.pool.total.Load()) >= l.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		l.rejected.Add(1)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.rejected.Add(1)
		return
	}

	seq := l.connSeq.Add(1)
	connID := fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), seq)
	conn := NewConnection(newWSConn(ws), connID, &ConnectionConfig{
		KeepAlive: 30 * time.Second,
	})

	if err := l.pool.Add(conn); err != nil {
		conn.Close()
		l.rejected.Add(1)
		return
	}
	l.accepted.Add(1)

	for _, handler := range l.handlers {
		if err := handler(conn); err != nil {
			l.pool.Remove(conn.ID())
			return
		}
	}
}

func (l *WebSocketListener) Close() error {
	if l.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.server.Shutdown(ctx)
	l.emitter.Inc(metrics.EventListenerRemoved, l.config.Address)
	return err
}

func (l *WebSocketListener) Stats() ListenerStats {
	return ListenerStats{
		Accepted: l.accepted.Load(),
		Rejected: l.rejected.Load(),
		Active:   uint64(l.pool.active.Load()),
	}
}
