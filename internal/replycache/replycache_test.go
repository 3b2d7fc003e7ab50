package replycache

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/vsrdb/internal/storagedriver"
)

func testLayout() storagedriver.Layout {
	return storagedriver.Layout{
		SuperblockCopies:   4,
		SuperblockCopySize: 4096,
		HeaderSize:         128,
		SlotCount:          8,
		MessageSizeMax:     256,
		ClientsMax:         2,
		GridBlockSize:      256,
		GridBlocksMax:      16,
	}
}

func TestStoreThenLookup(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	c := Open(driver, layout)

	assert.NilError(t, c.Store(ctx, 100, 1, []byte("reply one")))
	entry, ok, err := c.Lookup(ctx, 100, 1)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.DeepEqual(t, entry.Reply, []byte("reply one"))

	_, ok, err = c.Lookup(ctx, 100, 2)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestEvictsLeastRecentlyUsedWhenFull(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	c := Open(driver, layout)

	assert.NilError(t, c.Store(ctx, 1, 1, []byte("a")))
	assert.NilError(t, c.Store(ctx, 2, 1, []byte("b")))
	// Cache holds clientsMax=2 sessions; a third client evicts client 1.
	assert.NilError(t, c.Store(ctx, 3, 1, []byte("c")))

	_, ok, _ := c.Lookup(ctx, 1, 1)
	assert.Assert(t, !ok)
	entry, ok, _ := c.Lookup(ctx, 3, 1)
	assert.Assert(t, ok)
	assert.DeepEqual(t, entry.Reply, []byte("c"))
}

func TestLookupDetectsCorruptSlot(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	c := Open(driver, layout)
	assert.NilError(t, c.Store(ctx, 5, 1, []byte("durable reply")))

	off, _ := layout.Offset(storagedriver.ZoneClientReplies, 0)
	driver.InjectFault(storagedriver.FaultSpec{Zone: storagedriver.ZoneClientReplies, Offset: off, Length: layout.MessageSizeMax, Kind: storagedriver.FaultRead})

	_, ok, err := c.Lookup(ctx, 5, 1)
	assert.ErrorIs(t, err, ErrSlotCorrupt)
	assert.Assert(t, !ok)
}

func TestRepairRestoresCorruptSlot(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	c := Open(driver, layout)
	assert.NilError(t, c.Store(ctx, 5, 1, []byte("durable reply")))

	off, _ := layout.Offset(storagedriver.ZoneClientReplies, 0)
	driver.InjectFault(storagedriver.FaultSpec{Zone: storagedriver.ZoneClientReplies, Offset: off, Length: layout.MessageSizeMax, Kind: storagedriver.FaultRead})
	_, _, err := c.Lookup(ctx, 5, 1)
	assert.ErrorIs(t, err, ErrSlotCorrupt)

	// A peer's copy re-installs the slot; the checksum is recomputed
	// locally so a corrupted wire transfer cannot be laundered in.
	assert.NilError(t, c.Repair(ctx, 5, Entry{ClientID: 5, RequestNumber: 1, Reply: []byte("durable reply")}))
	entry, ok, err := c.Lookup(ctx, 5, 1)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.DeepEqual(t, entry.Reply, []byte("durable reply"))
}
