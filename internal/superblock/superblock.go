// Package superblock implements the durable, quorum-replicated root record:
// a small fixed-layout record written in N copies to N fixed offsets,
// opened by picking the highest sequence number matched by a quorum of
// copies. It generalizes the "compute a checksum, compare to the stored
// one, fall back if it doesn't match" checkpoint-verification idiom from a
// single checksummed table to the whole replicated root.
package superblock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/leengari/vsrdb/internal/storagedriver"
)

// ErrCorrupt is returned by Open when no quorum of copies agrees: an
// unachievable superblock quorum is fatal on open.
var ErrCorrupt = errors.New("superblock: no quorum of valid copies")

// VSRState is the replication-protocol portion of the superblock.
type VSRState struct {
	View         uint32
	LogView      uint32
	CommitMin    uint64
	OpCheckpoint uint64
	CheckpointID uint64
	SyncOpMin    uint64
	SyncOpMax    uint64
}

// Superblock is the full durable root record.
type Superblock struct {
	Sequence     uint64
	ClusterID    uint64
	ReplicaID    uint8
	Release      uint16
	VSR          VSRState
	FreeSetRef   uint64 // address of the free-set snapshot in the grid
	SessionsRef  uint64 // address of the client-sessions snapshot in the grid
}

const (
	copySize = 4096
	// recordSize is the encoded size of a Superblock, excluding the
	// trailing checksum and zero padding that fills the rest of copySize.
	recordSize = 8 + 8 + 1 + 2 + (4+4+8+8+8+8+8) + 8 + 8
)

func encode(sb Superblock) []byte {
	buf := make([]byte, copySize)
	bo := binary.LittleEndian
	bo.PutUint64(buf[0:8], sb.Sequence)
	bo.PutUint64(buf[8:16], sb.ClusterID)
	buf[16] = sb.ReplicaID
	bo.PutUint16(buf[17:19], sb.Release)
	bo.PutUint32(buf[19:23], sb.VSR.View)
	bo.PutUint32(buf[23:27], sb.VSR.LogView)
	bo.PutUint64(buf[27:35], sb.VSR.CommitMin)
	bo.PutUint64(buf[35:43], sb.VSR.OpCheckpoint)
	bo.PutUint64(buf[43:51], sb.VSR.CheckpointID)
	bo.PutUint64(buf[51:59], sb.VSR.SyncOpMin)
	bo.PutUint64(buf[59:67], sb.VSR.SyncOpMax)
	bo.PutUint64(buf[67:75], sb.FreeSetRef)
	bo.PutUint64(buf[75:83], sb.SessionsRef)
	checksum := crc32.ChecksumIEEE(buf[:recordSize])
	bo.PutUint32(buf[recordSize:recordSize+4], checksum)
	return buf
}

func decode(buf []byte) (Superblock, bool) {
	if len(buf) < recordSize+4 {
		return Superblock{}, false
	}
	bo := binary.LittleEndian
	checksum := bo.Uint32(buf[recordSize : recordSize+4])
	if crc32.ChecksumIEEE(buf[:recordSize]) != checksum {
		return Superblock{}, false
	}
	var sb Superblock
	sb.Sequence = bo.Uint64(buf[0:8])
	sb.ClusterID = bo.Uint64(buf[8:16])
	sb.ReplicaID = buf[16]
	sb.Release = bo.Uint16(buf[17:19])
	sb.VSR.View = bo.Uint32(buf[19:23])
	sb.VSR.LogView = bo.Uint32(buf[23:27])
	sb.VSR.CommitMin = bo.Uint64(buf[27:35])
	sb.VSR.OpCheckpoint = bo.Uint64(buf[35:43])
	sb.VSR.CheckpointID = bo.Uint64(buf[43:51])
	sb.VSR.SyncOpMin = bo.Uint64(buf[51:59])
	sb.VSR.SyncOpMax = bo.Uint64(buf[59:67])
	sb.FreeSetRef = bo.Uint64(buf[67:75])
	sb.SessionsRef = bo.Uint64(buf[75:83])
	return sb, true
}

// Manager owns the N-copy superblock zone of a replica's data file and
// serializes updates: at most one in-flight update per replica.
type Manager struct {
	driver storagedriver.Driver
	layout storagedriver.Layout
	copies int
	quorum int

	working Superblock
}

// Open reads every copy, picks the highest sequence number matched by a
// quorum of (checksum-valid) copies, and returns a Manager positioned at
// that working copy.
func Open(ctx context.Context, driver storagedriver.Driver, layout storagedriver.Layout) (*Manager, error) {
	copies := layout.SuperblockCopies
	quorum := (copies+1)/2 + 1

	bySeq := make(map[uint64][]Superblock)
	for i := 0; i < copies; i++ {
		off, err := layout.Offset(storagedriver.ZoneSuperblock, i)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, copySize)
		if c := driver.Read(ctx, storagedriver.ZoneSuperblock, off, buf); !c.Ok() {
			continue
		}
		sb, ok := decode(buf)
		if !ok {
			continue
		}
		bySeq[sb.Sequence] = append(bySeq[sb.Sequence], sb)
	}

	var bestSeq uint64
	var bestSb Superblock
	found := false
	for seq, group := range bySeq {
		if len(group) >= quorum && (!found || seq > bestSeq) {
			bestSeq = seq
			bestSb = group[0]
			found = true
		}
	}
	if !found {
		return nil, ErrCorrupt
	}

	return &Manager{driver: driver, layout: layout, copies: copies, quorum: quorum, working: bestSb}, nil
}

// Format writes the very first superblock (sequence 1) to every copy. It is
// used only by the `vsrdb format` CLI command.
func Format(ctx context.Context, driver storagedriver.Driver, layout storagedriver.Layout, initial Superblock) (*Manager, error) {
	initial.Sequence = 1
	m := &Manager{driver: driver, layout: layout, copies: layout.SuperblockCopies, quorum: (layout.SuperblockCopies+1)/2 + 1, working: initial}
	if err := m.writeAllCopies(ctx, initial); err != nil {
		return nil, err
	}
	return m, nil
}

// Working returns the current in-memory working copy.
func (m *Manager) Working() Superblock { return m.working }

// Update writes a new superblock -- with Sequence = Working().Sequence+1 --
// to every copy, fsyncing each, and only then swaps the in-memory working
// copy: double-buffered, so a crash mid-write never leaves Working()
// pointing at a partially-written sequence. mutate receives a copy of the
// current working state to modify and return.
func (m *Manager) Update(ctx context.Context, mutate func(Superblock) Superblock) error {
	next := mutate(m.working)
	next.Sequence = m.working.Sequence + 1
	next.ClusterID = m.working.ClusterID
	next.ReplicaID = m.working.ReplicaID
	if err := m.writeAllCopies(ctx, next); err != nil {
		return err
	}
	m.working = next
	return nil
}

func (m *Manager) writeAllCopies(ctx context.Context, sb Superblock) error {
	buf := encode(sb)
	for i := 0; i < m.copies; i++ {
		off, err := m.layout.Offset(storagedriver.ZoneSuperblock, i)
		if err != nil {
			return err
		}
		if c := m.driver.Write(ctx, storagedriver.ZoneSuperblock, off, buf); !c.Ok() {
			return fmt.Errorf("superblock: write copy %d: %w", i, c.Err)
		}
		if c := m.driver.Sync(ctx); !c.Ok() {
			return fmt.Errorf("superblock: sync copy %d: %w", i, c.Err)
		}
	}
	return nil
}
