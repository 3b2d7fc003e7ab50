package walog

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/storagedriver"
)

func testLayout(slotCount int) storagedriver.Layout {
	return storagedriver.Layout{
		SuperblockCopies:   4,
		SuperblockCopySize: 4096,
		HeaderSize:         message.HeaderSize,
		SlotCount:          slotCount,
		MessageSizeMax:     512,
		ClientsMax:         4,
		GridBlockSize:      256,
		GridBlocksMax:      16,
	}
}

func preparedHeader(op uint64, body []byte) message.Header {
	h := message.Header{ClusterID: 1, Op: op, Command: message.CommandPrepare}
	h.SetChecksums(body)
	return h
}

func TestWritePrepareThenReadPrepare(t *testing.T) {
	layout := testLayout(8)
	driver := storagedriver.NewFaultingDriver(layout)
	w, err := Open(driver, layout, Config{SlotCount: 8, PipelinePrepareQueueMax: 2, CheckpointInterval: 4, MessageSizeMax: 512})
	assert.NilError(t, err)

	ctx := context.Background()
	body := []byte("prepare payload")
	header := preparedHeader(5, body)
	slot := SlotFor(5, 8)
	assert.NilError(t, w.WritePrepare(ctx, slot, header, body))

	msg, status, err := w.ReadPrepare(ctx, slot)
	assert.NilError(t, err)
	assert.Equal(t, status, SlotOK)
	assert.Equal(t, msg.Header.Op, uint64(5))
	assert.DeepEqual(t, msg.Body, body)
}

func TestRecoverFindsHeadWithNoTornSlot(t *testing.T) {
	layout := testLayout(8)
	driver := storagedriver.NewFaultingDriver(layout)
	w, err := Open(driver, layout, Config{SlotCount: 8, PipelinePrepareQueueMax: 2, CheckpointInterval: 4, MessageSizeMax: 512})
	assert.NilError(t, err)
	ctx := context.Background()

	for op := uint64(0); op < 4; op++ {
		body := []byte{byte(op)}
		h := preparedHeader(op, body)
		assert.NilError(t, w.WritePrepare(ctx, SlotFor(op, 8), h, body))
	}

	result, err := Recover(ctx, w)
	assert.NilError(t, err)
	assert.Equal(t, result.OpHead, uint64(3))
	assert.Equal(t, len(result.FaultySlots)+len(result.DirtySlots), 0)
	assert.Assert(t, !result.HeadTorn)
}

func TestRecoverDetectsTornHead(t *testing.T) {
	layout := testLayout(8)
	driver := storagedriver.NewFaultingDriver(layout)
	w, err := Open(driver, layout, Config{SlotCount: 8, PipelinePrepareQueueMax: 2, CheckpointInterval: 4, MessageSizeMax: 512})
	assert.NilError(t, err)
	ctx := context.Background()

	for op := uint64(0); op < 3; op++ {
		body := []byte{byte(op)}
		h := preparedHeader(op, body)
		assert.NilError(t, w.WritePrepare(ctx, SlotFor(op, 8), h, body))
	}

	// Op 3 was (apparently) written, but a torn write corrupted its body.
	tornOp := uint64(3)
	body := []byte("four bytes")
	h := preparedHeader(tornOp, body)
	slot := SlotFor(tornOp, 8)
	prepOff, _ := layout.Offset(storagedriver.ZoneWALPrepares, slot)
	driver.InjectFault(storagedriver.FaultSpec{Zone: storagedriver.ZoneWALPrepares, Offset: prepOff, Length: uint64(len(body)), Kind: storagedriver.FaultWrite, Torn: true, TornBytes: 2})
	_ = w.WritePrepare(ctx, slot, h, body)
	// The driver reports the torn body write, so WritePrepare stops before
	// the header; a disk that tears silently would go on to write it, which
	// RepairHeader stands in for here.
	assert.NilError(t, w.RepairHeader(ctx, slot, h))

	result, err := Recover(ctx, w)
	assert.NilError(t, err)
	assert.Equal(t, result.OpHead, uint64(2))
	assert.Assert(t, result.HeadTorn)
	assert.Assert(t, len(result.DirtySlots) >= 1)
}

func TestRepairHeaderOverwritesRingOnly(t *testing.T) {
	layout := testLayout(8)
	driver := storagedriver.NewFaultingDriver(layout)
	w, err := Open(driver, layout, Config{SlotCount: 8, PipelinePrepareQueueMax: 2, CheckpointInterval: 4, MessageSizeMax: 512})
	assert.NilError(t, err)
	ctx := context.Background()

	body := []byte("data")
	h := preparedHeader(1, body)
	slot := SlotFor(1, 8)
	assert.NilError(t, w.WritePrepare(ctx, slot, h, body))

	h2 := preparedHeader(1, body)
	h2.View = 9
	h2.SetChecksums(body)
	assert.NilError(t, w.RepairHeader(ctx, slot, h2))

	msg, status, err := w.ReadPrepare(ctx, slot)
	assert.NilError(t, err)
	assert.Equal(t, status, SlotOK)
	assert.Equal(t, msg.Header.View, uint32(9))
}
