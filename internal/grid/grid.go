// Package grid implements the content-addressed block store: fixed-size
// blocks keyed by (address, checksum), a free-set bitmap tracking liveness,
// and a background scrubber. Grounded on the checksum-verify-then-classify
// idiom of a write-ahead log's recovery code, and on other content-addressed
// block stores in the surrounding domain, reimplemented here for
// fixed-size grid blocks rather than variable-length content blobs.
package grid

import (
	"context"
	"fmt"
	"hash/crc32"

	"github.com/leengari/vsrdb/internal/storagedriver"
)

// Address identifies a grid block. Addresses are 1-based; 0 is
// reserved to mean "no block".
type Address uint64

// BlockID is the content-addressing pair the design calls for: any peer whose
// block at Address hashes to Checksum is a valid repair source.
type BlockID struct {
	Address  Address
	Checksum uint32
}

// Equal is constant only in the sense of comparing both fields; Go doesn't
// need an explicit constant-time comparator here since block checksums are
// not secret, but the pairing is kept as a single comparable value per
// the design's "small record with constant-time equality on the checksum".
func (b BlockID) Equal(other BlockID) bool {
	return b.Address == other.Address && b.Checksum == other.Checksum
}

// Grid owns the ZoneGrid region and the in-memory FreeSet.
type Grid struct {
	driver    storagedriver.Driver
	layout    storagedriver.Layout
	blockSize uint64
	FreeSet   *FreeSet
}

// Open attaches a Grid to driver/layout with every address initially free.
// Callers restore liveness from a checkpoint's free-set snapshot via
// FreeSet.Load.
func Open(driver storagedriver.Driver, layout storagedriver.Layout) *Grid {
	return &Grid{
		driver:    driver,
		layout:    layout,
		blockSize: layout.GridBlockSize,
		FreeSet:   NewFreeSet(layout.GridBlocksMax),
	}
}

// Read fetches the block at id.Address and verifies it hashes to
// id.Checksum. A checksum mismatch or I/O fault is reported as a read
// fault; callers (internal/vsr's grid-read path) fall back to a peer
// request_block on any such fault.
func (g *Grid) Read(ctx context.Context, id BlockID) ([]byte, error) {
	off, err := g.layout.Offset(storagedriver.ZoneGrid, int(id.Address)-1)
	if err != nil {
		return nil, fmt.Errorf("grid: address %d out of range: %w", id.Address, err)
	}
	buf := make([]byte, g.blockSize)
	if c := g.driver.Read(ctx, storagedriver.ZoneGrid, off, buf); !c.Ok() {
		return nil, fmt.Errorf("grid: read fault at address %d: %w", id.Address, c.Err)
	}
	if crc32.ChecksumIEEE(buf) != id.Checksum {
		return nil, fmt.Errorf("grid: checksum mismatch at address %d", id.Address)
	}
	return buf, nil
}

// Write durably stores block at address, after the caller has already
// referenced it in a forthcoming checkpoint: a durable local write happens
// only once the block is referenced. It returns the BlockID so the
// caller can propagate (address, checksum) to the owning table/free-set
// metadata.
func (g *Grid) Write(ctx context.Context, address Address, block []byte) (BlockID, error) {
	if uint64(len(block)) != g.blockSize {
		return BlockID{}, fmt.Errorf("grid: block size %d != GridBlockSize %d", len(block), g.blockSize)
	}
	off, err := g.layout.Offset(storagedriver.ZoneGrid, int(address)-1)
	if err != nil {
		return BlockID{}, fmt.Errorf("grid: address %d out of range: %w", address, err)
	}
	if c := g.driver.Write(ctx, storagedriver.ZoneGrid, off, block); !c.Ok() {
		return BlockID{}, fmt.Errorf("grid: write fault at address %d: %w", address, c.Err)
	}
	return BlockID{Address: address, Checksum: crc32.ChecksumIEEE(block)}, nil
}

// ReadBlock fetches whatever is stored at address with no expected
// checksum to verify against, returning the checksum actually found. Used
// only when the caller already trusts the local copy -- its own most
// recent write -- rather than treating a mismatch as a fault the way Read
// does for blocks some other owner is responsible for.
func (g *Grid) ReadBlock(ctx context.Context, address Address) ([]byte, uint32, error) {
	off, err := g.layout.Offset(storagedriver.ZoneGrid, int(address)-1)
	if err != nil {
		return nil, 0, fmt.Errorf("grid: address %d out of range: %w", address, err)
	}
	buf := make([]byte, g.blockSize)
	if c := g.driver.Read(ctx, storagedriver.ZoneGrid, off, buf); !c.Ok() {
		return nil, 0, fmt.Errorf("grid: read fault at address %d: %w", address, c.Err)
	}
	return buf, crc32.ChecksumIEEE(buf), nil
}

// Repair installs a block obtained from a peer (via request_block) once
// its checksum has been verified to match expected.
func (g *Grid) Repair(ctx context.Context, expected BlockID, block []byte) error {
	if crc32.ChecksumIEEE(block) != expected.Checksum {
		return fmt.Errorf("grid: repair block for address %d does not match expected checksum", expected.Address)
	}
	_, err := g.Write(ctx, expected.Address, block)
	return err
}
