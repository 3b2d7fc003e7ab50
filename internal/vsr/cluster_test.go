package vsr

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/vsrdb/internal/clock"
	"github.com/leengari/vsrdb/internal/config"
	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/statemachine"
	"github.com/leengari/vsrdb/internal/storagedriver"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// queuedMsg is one message waiting in a replica's inbox.
type queuedMsg struct {
	msg   message.Message
	reply func(message.Message) error
}

// testNetwork is an in-process, queue-based Transport shared by every
// replica in a test cluster. Sends are queued rather than delivered
// synchronously so that a replica processing one message can itself
// send more without re-entering its own (non-reentrant) lock -- Pump
// drains the queues from the test's own goroutine, one message at a
// time, the way a real event loop would off a socket.
type testNetwork struct {
	replicas map[uint8]*Replica
	inbox    map[uint8][]queuedMsg
	down     map[uint8]bool           // partitioned replicas: nothing in, nothing out
	drop     map[message.Command]bool // commands silently lost in transit
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		replicas: make(map[uint8]*Replica),
		inbox:    make(map[uint8][]queuedMsg),
		down:     make(map[uint8]bool),
		drop:     make(map[message.Command]bool),
	}
}

// partition isolates id symmetrically: its sends are dropped and nothing
// is enqueued for it until heal.
func (n *testNetwork) partition(id uint8) { n.down[id] = true }

func (n *testNetwork) heal(id uint8) { delete(n.down, id) }

// replicaTransport is the Transport view of the network as seen by one
// replica: Send/Broadcast only ever enqueue, addressed by the target's
// replica id.
type replicaTransport struct {
	net *testNetwork
}

func (t *replicaTransport) Send(replicaID uint8, msg message.Message) error {
	if t.net.down[msg.Header.ReplicaID] || t.net.down[replicaID] || t.net.drop[msg.Header.Command] {
		return nil
	}
	t.net.inbox[replicaID] = append(t.net.inbox[replicaID], queuedMsg{msg: msg, reply: discardReply})
	return nil
}

func (t *replicaTransport) Broadcast(msg message.Message) {
	if t.net.down[msg.Header.ReplicaID] || t.net.drop[msg.Header.Command] {
		return
	}
	for id := range t.net.replicas {
		if id == msg.Header.ReplicaID || t.net.down[id] {
			continue
		}
		t.net.inbox[id] = append(t.net.inbox[id], queuedMsg{msg: msg, reply: discardReply})
	}
}

func discardReply(message.Message) error { return nil }

// pump drains every replica's inbox, in round-robin order, until all are
// empty or the iteration cap is hit (a cap that should never bind in a
// correct test -- it exists only to fail loudly instead of hanging if a
// test accidentally wires an infinite retry loop).
func (n *testNetwork) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		progressed := false
		for id, r := range n.replicas {
			q := n.inbox[id]
			if len(q) == 0 {
				continue
			}
			next := q[0]
			n.inbox[id] = q[1:]
			r.Deliver(next.msg, next.reply)
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatal("testNetwork.pump: did not drain within iteration cap")
}

var _ Transport = (*replicaTransport)(nil)

// testCluster bundles a small odd-sized cluster of replicas sharing one
// virtual clock and network, for exercising the replication protocol
// without any real I/O.
type testCluster struct {
	net      *testNetwork
	clk      *clock.Virtual
	replicas []*Replica
	drivers  []*storagedriver.FaultingDriver
	cfgs     []config.Replica
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	net := newTestNetwork()
	clk := clock.NewVirtual(time.Unix(0, 0))
	cluster := &testCluster{net: net, clk: clk}

	addrs := make(map[uint8]string, n)
	for i := 0; i < n; i++ {
		addrs[uint8(i)] = "unused"
	}

	for i := 0; i < n; i++ {
		cfg := config.Default(1, uint8(i), "unused")
		cfg.Cluster.ReplicaAddr = addrs
		cfg.SlotCount = 64
		cfg.PipelinePrepareQueueMax = 4
		cfg.CheckpointInterval = 8
		cfg.MessageSizeMax = 4096
		cfg.ClientsMax = 8
		cfg.GridBlockSize = 64
		cfg.GridBlocksMax = 4
		assert.NilError(t, cfg.Validate())

		layout := LayoutFor(cfg)
		driver := storagedriver.NewFaultingDriver(layout)
		assert.NilError(t, Format(context.Background(), driver, cfg))

		r, err := Open(context.Background(), cfg, driver, statemachine.NewNullStateMachine(), &replicaTransport{net: net}, clk, discardLogger())
		assert.NilError(t, err)
		r.StartTimers()

		net.replicas[uint8(i)] = r
		cluster.replicas = append(cluster.replicas, r)
		cluster.drivers = append(cluster.drivers, driver)
		cluster.cfgs = append(cluster.cfgs, cfg)
	}
	return cluster
}

// commit drives n ops through the primary and pumps the network until
// every reachable replica has converged, returning the last reply body.
func (c *testCluster) commit(t *testing.T, clientID uint64, firstRequest uint64, n int) []byte {
	t.Helper()
	primary := c.primary(t)
	var last message.Message
	capture := func(m message.Message) error { last = m; return nil }
	for i := 0; i < n; i++ {
		req := requestMessage(clientID, firstRequest+uint64(i), []byte{byte(firstRequest + uint64(i))})
		primary.Deliver(req, capture)
		c.net.pump(t)
	}
	return last.Body
}

func (c *testCluster) primary(t *testing.T) *Replica {
	t.Helper()
	// Pick the highest view: a deposed primary partitioned away may still
	// believe it leads an older view.
	var best *Replica
	for _, r := range c.replicas {
		if r.IsPrimary() && (best == nil || r.View() > best.View()) {
			best = r
		}
	}
	if best == nil {
		t.Fatal("no primary found")
	}
	return best
}

func requestMessage(clientID, requestNumber uint64, body []byte) message.Message {
	h := message.Header{
		ClusterID:     1,
		ClientID:      clientID,
		RequestNumber: requestNumber,
		Command:       message.CommandRequest,
		Operation:     message.OperationStateMachineBase,
	}
	h.SetChecksums(body)
	return message.Message{Header: h, Body: body}
}

func TestThreeReplicaClusterCommitsAndReplies(t *testing.T) {
	cluster := newTestCluster(t, 3)
	primary := cluster.primary(t)

	var reply message.Message
	got := false
	capture := func(m message.Message) error { reply = m; got = true; return nil }

	req := requestMessage(100, 1, []byte("hello"))
	primary.Deliver(req, capture)
	cluster.net.pump(t)

	assert.Assert(t, got)
	assert.DeepEqual(t, reply.Body, []byte("hello"))

	for _, r := range cluster.replicas {
		assert.Equal(t, r.CommitMin(), uint64(1))
	}
}

func TestDuplicateRequestServedFromCache(t *testing.T) {
	cluster := newTestCluster(t, 3)
	primary := cluster.primary(t)

	var first, second message.Message
	capture := func(dst *message.Message) func(message.Message) error {
		return func(m message.Message) error { *dst = m; return nil }
	}

	req := requestMessage(200, 1, []byte("once"))
	primary.Deliver(req, capture(&first))
	cluster.net.pump(t)

	primary.Deliver(req, capture(&second))
	cluster.net.pump(t)

	assert.DeepEqual(t, first.Body, second.Body)
}
