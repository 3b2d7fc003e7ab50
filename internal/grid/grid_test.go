package grid

import (
	"context"
	"hash/crc32"
	"log/slog"
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
		GridBlockSize:      64,
		GridBlocksMax:      16,
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	g := Open(driver, layout)

	addr, ok := g.FreeSet.Acquire()
	assert.Assert(t, ok)

	block := make([]byte, layout.GridBlockSize)
	copy(block, []byte("a grid block payload"))
	id, err := g.Write(ctx, addr, block)
	assert.NilError(t, err)
	assert.Equal(t, id.Checksum, crc32.ChecksumIEEE(block))

	got, err := g.Read(ctx, id)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, block)
}

func TestReadDetectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	g := Open(driver, layout)

	addr, _ := g.FreeSet.Acquire()
	block := make([]byte, layout.GridBlockSize)
	id, err := g.Write(ctx, addr, block)
	assert.NilError(t, err)

	// A stale checksum (as if the block changed underneath us) must fail.
	stale := id
	stale.Checksum ^= 0xffffffff
	_, err = g.Read(ctx, stale)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestRepairRejectsWrongBlock(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	g := Open(driver, layout)

	addr, _ := g.FreeSet.Acquire()
	expected := BlockID{Address: addr, Checksum: crc32.ChecksumIEEE(make([]byte, layout.GridBlockSize))}
	wrong := make([]byte, layout.GridBlockSize)
	wrong[0] = 1

	err := g.Repair(ctx, expected, wrong)
	assert.ErrorContains(t, err, "does not match expected checksum")
}

type fakePeers struct {
	blocks map[Address][]byte
}

func (f *fakePeers) FetchBlock(ctx context.Context, id BlockID) ([]byte, error) {
	return f.blocks[id.Address], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestScrubberHealsFaultAndStaysMonotone(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	g := Open(driver, layout)

	addr, _ := g.FreeSet.Acquire()
	good := make([]byte, layout.GridBlockSize)
	copy(good, []byte("healthy block"))
	id, err := g.Write(ctx, addr, good)
	assert.NilError(t, err)

	expected := map[Address]uint32{addr: id.Checksum}
	peers := &fakePeers{blocks: map[Address][]byte{addr: good}}
	s := NewScrubber(g, peers, discardLogger(), 4, expected)

	s.Tick(ctx)
	assert.Equal(t, s.FaultyCount(), 0)

	off, _ := layout.Offset(storagedriver.ZoneGrid, int(addr)-1)
	driver.InjectFault(storagedriver.FaultSpec{Zone: storagedriver.ZoneGrid, Offset: off, Length: layout.GridBlockSize, Kind: storagedriver.FaultRead})

	// The injected fault is one-shot: a single Tick discovers it and
	// repairs it from peers within the same pass, so FaultyCount never
	// climbs above zero by the time Tick returns.
	s.Tick(ctx)
	assert.Equal(t, s.FaultyCount(), 0)

	got, err := g.Read(ctx, id)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, good)
}

func TestScrubberSkipsAddressesWithNoExpectedChecksum(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	driver := storagedriver.NewFaultingDriver(layout)
	g := Open(driver, layout)

	addr, _ := g.FreeSet.Acquire()
	_, err := g.Write(ctx, addr, make([]byte, layout.GridBlockSize))
	assert.NilError(t, err)

	s := NewScrubber(g, nil, discardLogger(), 4, map[Address]uint32{})
	s.Tick(ctx)
	assert.Equal(t, s.FaultyCount(), 0)
}
