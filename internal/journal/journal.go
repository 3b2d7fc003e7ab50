// Package journal implements the in-memory projection over the WAL: a
// per-slot {header, dirty, faulty} view that is authoritative for "which
// ops this replica believes it has" while status=normal, and the source of
// repair requests for gaps. It plays the same role a recovery-time
// transaction tracker plays over a write-ahead log -- a derived in-memory
// index rebuilt from log records -- but stays live for the lifetime of the
// replica instead of existing only during recovery.
package journal

import (
	"sort"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/walog"
)

// Entry is the journal's view of one slot.
type Entry struct {
	Header message.Header
	Status walog.SlotStatus
	// Present is true once a header has ever been recorded for this
	// slot during the replica's lifetime (distinct from SlotEmpty, which
	// also covers "never written").
	Present bool
}

// Journal is the replica's live in-memory index over its own WAL. It is
// mutated only by the replica event loop.
type Journal struct {
	slotCount int
	entries   []Entry
}

// New creates an empty Journal sized to slotCount, normally populated
// immediately afterwards from a walog.RecoveryResult via LoadRecovery.
func New(slotCount int) *Journal {
	return &Journal{slotCount: slotCount, entries: make([]Entry, slotCount)}
}

// LoadRecovery seeds the journal from a WAL recovery scan performed at open.
func (j *Journal) LoadRecovery(result *walog.RecoveryResult) {
	for slot, se := range result.Slots {
		j.entries[slot] = Entry{Header: se.Header, Status: se.Status, Present: se.Status == walog.SlotOK}
	}
}

// SetPrepared records that slot now holds a durable, valid prepare for
// header -- called once WritePrepare (and any peer acknowledgement the
// caller requires) has succeeded.
func (j *Journal) SetPrepared(slot int, header message.Header) {
	j.entries[slot] = Entry{Header: header, Status: walog.SlotOK, Present: true}
}

// SetHeaderDirty records a canonical header for slot whose body is not yet
// present locally -- the state RepairHeader leaves a slot in: the header
// ring entry is trustworthy, the prepare body still has to be fetched.
func (j *Journal) SetHeaderDirty(slot int, header message.Header) {
	j.entries[slot] = Entry{Header: header, Status: walog.SlotDirty, Present: true}
}

// MarkDirty records that slot could not be read back intact, without
// discarding the header if one is known: dirty is distinguished from faulty
// precisely so a known-good header is not thrown away.
func (j *Journal) MarkDirty(slot int) {
	e := j.entries[slot]
	e.Status = walog.SlotDirty
	j.entries[slot] = e
}

// MarkFaulty records that neither the header nor the body at slot can be
// trusted.
func (j *Journal) MarkFaulty(slot int) {
	j.entries[slot] = Entry{Status: walog.SlotFaulty}
}

// HeaderForOp returns the header the journal has for op, if any, and
// whether the op is currently considered present (SlotOK) in this
// replica's log. The hash-chain check in internal/vsr calls this to
// validate a prepare's parent checksum against op-1.
func (j *Journal) HeaderForOp(op uint64) (message.Header, bool) {
	slot := walog.SlotFor(op, j.slotCount)
	e := j.entries[slot]
	if e.Status != walog.SlotOK || e.Header.Op != op {
		return message.Header{}, false
	}
	return e.Header, true
}

// HasHeader reports whether the journal has any header at all for op
// (SlotOK or SlotDirty), used by the nack-safety predicate: a replica may
// nack op o only if it has no header for o, valid or not.
func (j *Journal) HasHeader(op uint64) bool {
	slot := walog.SlotFor(op, j.slotCount)
	e := j.entries[slot]
	return e.Present && e.Header.Op == op || (e.Status == walog.SlotDirty && e.Header.Op == op)
}

// DirtyInRange returns every slot in [commitMin+1, opHead] (inclusive,
// op-space, translated to slot-space) whose status is not SlotOK, in
// ascending op order, forming the repair queue the replica works through
// when behind.
func (j *Journal) DirtyInRange(commitMin, opHead uint64) []uint64 {
	var ops []uint64
	for op := commitMin + 1; op <= opHead; op++ {
		slot := walog.SlotFor(op, j.slotCount)
		e := j.entries[slot]
		if e.Status != walog.SlotOK || e.Header.Op != op {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, k int) bool { return ops[i] < ops[k] })
	return ops
}

// Entry returns the current entry for slot, for diagnostics/tests.
func (j *Journal) Entry(slot int) Entry { return j.entries[slot] }
