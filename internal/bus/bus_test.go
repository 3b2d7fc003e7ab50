package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/vsrdb/internal/message"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pingMessage(clusterID uint64, replicaID uint8) message.Message {
	h := message.Header{ClusterID: clusterID, Command: message.CommandPing, ReplicaID: replicaID}
	h.SetChecksums(nil)
	return message.Message{Header: h, Body: nil}
}

func TestSendDeliversToListener(t *testing.T) {
	const clusterID = 42

	received := make(chan message.Message, 1)
	serverBus := New(clusterID, 4096, func(m message.Message, reply func(message.Message) error) { received <- m }, discardLogger())
	assert.NilError(t, serverBus.Listen("127.0.0.1:0"))
	defer serverBus.Close()

	addr := serverBus.listener.Addr().String()

	clientBus := New(clusterID, 4096, func(m message.Message, reply func(message.Message) error) {}, discardLogger())
	defer clientBus.Close()
	assert.NilError(t, clientBus.Dial(context.Background(), 1, addr))

	assert.NilError(t, clientBus.Send(1, pingMessage(clusterID, 1)))

	select {
	case msg := <-received:
		assert.Equal(t, msg.Header.Command, message.CommandPing)
		assert.Equal(t, msg.Header.ReplicaID, uint8(1))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendToUnknownReplicaFails(t *testing.T) {
	b := New(1, 4096, func(m message.Message, reply func(message.Message) error) {}, discardLogger())
	err := b.Send(7, pingMessage(1, 1))
	assert.ErrorContains(t, err, "no connection")
}

func TestConnectedReflectsDialedPeers(t *testing.T) {
	const clusterID = 7
	serverBus := New(clusterID, 4096, func(m message.Message, reply func(message.Message) error) {}, discardLogger())
	assert.NilError(t, serverBus.Listen("127.0.0.1:0"))
	defer serverBus.Close()

	clientBus := New(clusterID, 4096, func(m message.Message, reply func(message.Message) error) {}, discardLogger())
	defer clientBus.Close()

	assert.Assert(t, !clientBus.Connected(1))
	assert.NilError(t, clientBus.Dial(context.Background(), 1, serverBus.listener.Addr().String()))
	assert.Assert(t, clientBus.Connected(1))
}
