package vsr

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/vsrdb/internal/grid"
	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/storagedriver"
)

func TestHeaderRepairFillsMissingSlots(t *testing.T) {
	cluster := newTestCluster(t, 3)
	r2 := cluster.replicas[2]

	// Replica 2 misses ops 1..4 and then adopts op 5 as its head, but
	// every request_prepare it sends is lost: the prepares stay missing.
	cluster.net.partition(2)
	cluster.commit(t, 100, 1, 4)
	cluster.net.heal(2)
	cluster.net.drop[message.CommandRequestPrepare] = true
	cluster.commit(t, 100, 5, 1)
	assert.Equal(t, r2.OpHead(), uint64(5))
	assert.Equal(t, r2.CommitMin(), uint64(0))

	// The repair tick falls back to asking for canonical headers; once
	// request_prepare flows again the headers lead to the bodies.
	delete(cluster.net.drop, message.CommandRequestPrepare)
	r2.onRepairTimer()
	cluster.net.pump(t)

	assert.Equal(t, r2.CommitMin(), uint64(5))
}

func TestScrubberHealsCorruptGridBlockFromPeers(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.commit(t, 100, 1, 8) // checkpoint writes the free-set block

	r1 := cluster.replicas[1]
	layout := LayoutFor(cluster.cfgs[1])
	off, err := layout.Offset(storagedriver.ZoneGrid, 0)
	assert.NilError(t, err)
	cluster.drivers[1].InjectFault(storagedriver.FaultSpec{
		Zone:   storagedriver.ZoneGrid,
		Offset: off,
		Length: cluster.cfgs[1].GridBlockSize,
		Kind:   storagedriver.FaultRead,
	})

	// First scrub tick discovers the fault and requests the block from
	// peers; the reply repairs it out of band.
	r1.onScrubTimer()
	assert.Equal(t, r1.scrubber.FaultyCount(), 1)
	cluster.net.pump(t)
	assert.Equal(t, r1.scrubber.FaultyCount(), 0)

	// The healed copy is byte-identical to a healthy peer's.
	ctx := context.Background()
	healed, healedSum, err := r1.grid.ReadBlock(ctx, grid.Address(1))
	assert.NilError(t, err)
	healthy, healthySum, err := cluster.replicas[0].grid.ReadBlock(ctx, grid.Address(1))
	assert.NilError(t, err)
	assert.Equal(t, healedSum, healthySum)
	assert.DeepEqual(t, healed, healthy)

	// And the next tick finds nothing new: faults are monotone downward.
	r1.onScrubTimer()
	assert.Equal(t, r1.scrubber.FaultyCount(), 0)
}

func TestCorruptReplySlotRepairedFromBackup(t *testing.T) {
	cluster := newTestCluster(t, 3)
	primary := cluster.primary(t)

	var first message.Message
	req := requestMessage(300, 1, []byte("pay invoice"))
	primary.Deliver(req, func(m message.Message) error { first = m; return nil })
	cluster.net.pump(t)
	assert.DeepEqual(t, first.Body, []byte("pay invoice"))

	// The primary's reply slot for this client rots; the duplicate
	// request triggers a repair from a backup instead of a replay.
	layout := LayoutFor(cluster.cfgs[0])
	off, err := layout.Offset(storagedriver.ZoneClientReplies, 0)
	assert.NilError(t, err)
	cluster.drivers[0].InjectFault(storagedriver.FaultSpec{
		Zone:   storagedriver.ZoneClientReplies,
		Offset: off,
		Length: 24,
		Kind:   storagedriver.FaultRead,
	})

	dropped := false
	primary.Deliver(req, func(message.Message) error { dropped = true; return nil })
	assert.Assert(t, !dropped) // no reply yet: repair is in flight
	cluster.net.pump(t)

	// The client's retry is now served byte-identically from the
	// repaired cache.
	var second message.Message
	primary.Deliver(req, func(m message.Message) error { second = m; return nil })
	cluster.net.pump(t)
	assert.DeepEqual(t, second.Body, first.Body)
}
