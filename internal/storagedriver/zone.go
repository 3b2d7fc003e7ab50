// Package storagedriver implements the sector-aligned block storage
// contract: one backing file per replica, partitioned into fixed zones,
// with a truthful fault model so upper layers (internal/walog,
// internal/superblock, internal/grid) can tell a read fault from a write
// fault from success.
package storagedriver

import "fmt"

// Zone is a fixed partition of the replica data file.
type Zone uint8

const (
	ZoneSuperblock Zone = iota
	ZoneWALHeaders
	ZoneWALPrepares
	ZoneClientReplies
	ZoneGrid
)

func (z Zone) String() string {
	switch z {
	case ZoneSuperblock:
		return "superblock"
	case ZoneWALHeaders:
		return "wal_headers"
	case ZoneWALPrepares:
		return "wal_prepares"
	case ZoneClientReplies:
		return "client_replies"
	case ZoneGrid:
		return "grid"
	default:
		return "unknown"
	}
}

// Layout describes the fixed byte ranges of every zone in a replica's data
// file. All offsets are computed, never stored, so the layout is
// stable across releases of the same major format version.
type Layout struct {
	SuperblockCopies   int
	SuperblockCopySize uint64
	HeaderSize         uint64
	SlotCount          int
	MessageSizeMax     uint64
	ClientsMax         int
	GridBlockSize      uint64
	GridBlocksMax      int
}

// zoneOffsets returns the starting byte offset of each zone, in Zone order.
func (l Layout) zoneOffsets() [5]uint64 {
	var off [5]uint64
	off[ZoneSuperblock] = 0
	off[ZoneWALHeaders] = off[ZoneSuperblock] + uint64(l.SuperblockCopies)*l.SuperblockCopySize
	off[ZoneWALPrepares] = off[ZoneWALHeaders] + uint64(l.SlotCount)*l.HeaderSize
	off[ZoneClientReplies] = off[ZoneWALPrepares] + uint64(l.SlotCount)*l.MessageSizeMax
	off[ZoneGrid] = off[ZoneClientReplies] + uint64(l.ClientsMax)*l.MessageSizeMax
	return off
}

// ZoneStart returns the first byte offset of zone z.
func (l Layout) ZoneStart(z Zone) uint64 {
	return l.zoneOffsets()[z]
}

// ZoneSize returns the total size in bytes of zone z.
func (l Layout) ZoneSize(z Zone) uint64 {
	switch z {
	case ZoneSuperblock:
		return uint64(l.SuperblockCopies) * l.SuperblockCopySize
	case ZoneWALHeaders:
		return uint64(l.SlotCount) * l.HeaderSize
	case ZoneWALPrepares:
		return uint64(l.SlotCount) * l.MessageSizeMax
	case ZoneClientReplies:
		return uint64(l.ClientsMax) * l.MessageSizeMax
	case ZoneGrid:
		return uint64(l.GridBlocksMax) * l.GridBlockSize
	default:
		return 0
	}
}

// TotalSize is the size the backing file must be allocated to.
func (l Layout) TotalSize() uint64 {
	return l.ZoneStart(ZoneGrid) + l.ZoneSize(ZoneGrid)
}

// Offset computes the byte offset, within zone z, of the fixed-size
// record at `index`. Driver Read/Write take zone-relative offsets; only
// the production FileDriver ever translates to an absolute file
// position, by adding ZoneStart.
func (l Layout) Offset(z Zone, index int) (uint64, error) {
	var stride uint64
	var count int
	switch z {
	case ZoneSuperblock:
		stride, count = l.SuperblockCopySize, l.SuperblockCopies
	case ZoneWALHeaders:
		stride, count = l.HeaderSize, l.SlotCount
	case ZoneWALPrepares:
		stride, count = l.MessageSizeMax, l.SlotCount
	case ZoneClientReplies:
		stride, count = l.MessageSizeMax, l.ClientsMax
	case ZoneGrid:
		stride, count = l.GridBlockSize, l.GridBlocksMax
	default:
		return 0, fmt.Errorf("storagedriver: unknown zone %v", z)
	}
	if index < 0 || index >= count {
		return 0, fmt.Errorf("storagedriver: index %d out of range for zone %v (count=%d)", index, z, count)
	}
	return uint64(index) * stride, nil
}
