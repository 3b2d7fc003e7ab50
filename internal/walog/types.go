// Package walog implements the write-ahead log: a dense header ring plus a
// fixed-slot prepare region, with torn-write detection on recovery. It
// carries forward the same CRC32-checksum-and-classify idiom used by a
// variable-length LSN-ordered log, generalized to a fixed-slot circular log.
package walog

import (
	"fmt"

	"github.com/leengari/vsrdb/internal/message"
)

// SlotStatus classifies a single WAL slot after a recovery scan.
type SlotStatus uint8

const (
	// SlotOK means the header's body checksum matches the stored prepare.
	SlotOK SlotStatus = iota
	// SlotDirty means a header is present but its body is missing or
	// does not match -- the header may still be trustworthy (e.g. a
	// peer can repair the body), so it is not yet "faulty".
	SlotDirty
	// SlotFaulty means both header and body are untrustworthy: the slot
	// is treated as unprepared until repaired.
	SlotFaulty
	// SlotEmpty means the slot has never been written.
	SlotEmpty
)

func (s SlotStatus) String() string {
	switch s {
	case SlotOK:
		return "ok"
	case SlotDirty:
		return "dirty"
	case SlotFaulty:
		return "faulty"
	case SlotEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// SlotFor computes the slot a given op is stored at: op mod slot_count.
func SlotFor(op uint64, slotCount int) int {
	return int(op % uint64(slotCount))
}

// SlotEntry is the journal's per-slot view of the log.
type SlotEntry struct {
	Header message.Header
	Status SlotStatus
}

// errTooLarge is returned when a header plus body would exceed
// MessageSizeMax, the size of one prepare slot.
func errTooLarge(size, max int) error {
	return fmt.Errorf("walog: record size %d exceeds MessageSizeMax %d", size, max)
}
