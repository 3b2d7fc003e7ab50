package storagedriver

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
)

func testLayout() Layout {
	return Layout{
		SuperblockCopies:   4,
		SuperblockCopySize: 4096,
		HeaderSize:         128,
		SlotCount:          16,
		MessageSizeMax:     1024,
		ClientsMax:         8,
		GridBlockSize:      512,
		GridBlocksMax:      32,
	}
}

func TestLayoutOffsetsDontOverlap(t *testing.T) {
	l := testLayout()
	starts := []uint64{
		l.ZoneStart(ZoneSuperblock),
		l.ZoneStart(ZoneWALHeaders),
		l.ZoneStart(ZoneWALPrepares),
		l.ZoneStart(ZoneClientReplies),
		l.ZoneStart(ZoneGrid),
	}
	for i := 1; i < len(starts); i++ {
		assert.Assert(t, starts[i] > starts[i-1])
	}
	off, err := l.Offset(ZoneWALHeaders, 3)
	assert.NilError(t, err)
	assert.Equal(t, off, 3*l.HeaderSize)

	_, err = l.Offset(ZoneWALHeaders, l.SlotCount)
	assert.ErrorContains(t, err, "out of range")
}

func TestFaultingDriverWriteReadRoundTrip(t *testing.T) {
	d := NewFaultingDriver(testLayout())
	ctx := context.Background()
	payload := []byte("hello world, durable bytes")
	c := d.Write(ctx, ZoneGrid, 0, payload)
	assert.Assert(t, c.Ok())

	out := make([]byte, len(payload))
	c = d.Read(ctx, ZoneGrid, 0, out)
	assert.Assert(t, c.Ok())
	assert.DeepEqual(t, out, payload)
}

func TestFaultingDriverInjectedTornWrite(t *testing.T) {
	d := NewFaultingDriver(testLayout())
	ctx := context.Background()
	d.InjectFault(FaultSpec{Zone: ZoneWALPrepares, Offset: 0, Length: 64, Kind: FaultWrite, Torn: true, TornBytes: 10})

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	c := d.Write(ctx, ZoneWALPrepares, 0, payload)
	assert.Assert(t, !c.Ok())
	assert.Equal(t, c.Fault, FaultWrite)

	out := make([]byte, 64)
	d.Read(ctx, ZoneWALPrepares, 0, out)
	assert.DeepEqual(t, out[:10], payload[:10])
	for _, b := range out[10:] {
		assert.Equal(t, b, byte(0))
	}
}

func TestFaultingDriverInjectedReadFault(t *testing.T) {
	d := NewFaultingDriver(testLayout())
	ctx := context.Background()
	d.Write(ctx, ZoneGrid, 0, []byte("original data"))
	d.InjectFault(FaultSpec{Zone: ZoneGrid, Offset: 0, Length: 13, Kind: FaultRead})

	out := make([]byte, 13)
	c := d.Read(ctx, ZoneGrid, 0, out)
	assert.Assert(t, !c.Ok())
	assert.Equal(t, c.Fault, FaultRead)

	// Fault is one-shot: the next read succeeds and sees the real data.
	c = d.Read(ctx, ZoneGrid, 0, out)
	assert.Assert(t, c.Ok())
	assert.DeepEqual(t, out, []byte("original data"))
}
