package broker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmq/core/config"
	"github.com/flowmq/core/encoding"
	"github.com/flowmq/core/listener"
	"github.com/flowmq/core/metrics"
	"github.com/flowmq/core/session"
	"github.com/flowmq/core/types/message"
)

func newTestClient(t *testing.T, queueCap int) *Client {
	t.Helper()
	serverSide, _ := net.Pipe()
	t.Cleanup(func() { _ = serverSide.Close() })
	conn := listener.NewConnection(serverSide, "conn-test", &listener.ConnectionConfig{})
	sess := session.New("client-test", true, 0, byte(encoding.ProtocolVersion311))
	mqttCfg := config.Default().Mqtt
	mqttCfg.MaxQueueMessages = queueCap
	return newClient(conn, sess, byte(encoding.ProtocolVersion311), mqttCfg, metrics.Noop{})
}

func TestClientEnqueueRespectsCapacity(t *testing.T) {
	c := newTestClient(t, 2)

	ok := c.Enqueue(message.NewMessage(1, "a", []byte("1"), encoding.QoS1, false, nil))
	require.True(t, ok)
	ok = c.Enqueue(message.NewMessage(2, "a", []byte("2"), encoding.QoS1, false, nil))
	require.True(t, ok)
	ok = c.Enqueue(message.NewMessage(3, "a", []byte("3"), encoding.QoS1, false, nil))
	require.False(t, ok, "third enqueue should be rejected once outCap is reached")
}

func TestClientEvictOldestDropsFIFO(t *testing.T) {
	c := newTestClient(t, 2)
	first := message.NewMessage(1, "a", []byte("1"), encoding.QoS1, false, nil)
	second := message.NewMessage(2, "a", []byte("2"), encoding.QoS1, false, nil)
	require.True(t, c.Enqueue(first))
	require.True(t, c.Enqueue(second))

	evicted, ok := c.EvictOldest()
	require.True(t, ok)
	require.Same(t, first, evicted)

	drained := c.drain()
	require.Len(t, drained, 1)
	require.Same(t, second, drained[0])
}

func TestClientDrainEmptiesOutbox(t *testing.T) {
	c := newTestClient(t, 0)
	require.True(t, c.Enqueue(message.NewMessage(1, "a", []byte("1"), encoding.QoS0, false, nil)))
	require.True(t, c.Enqueue(message.NewMessage(2, "b", []byte("2"), encoding.QoS0, false, nil)))

	drained := c.drain()
	require.Len(t, drained, 2)
	require.Nil(t, c.drain(), "a second drain on an empty outbox returns nil")
}

func TestClientClientIDMatchesSession(t *testing.T) {
	c := newTestClient(t, 0)
	require.Equal(t, "client-test", c.ClientID())
}
