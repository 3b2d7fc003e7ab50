package walog

import "context"

// RecoveryResult is the outcome of scanning every slot in the log at open.
// It is a slot-indexed analogue of an LSN-indexed recovery scan: instead of
// replaying a sequential record stream, it classifies each fixed slot in
// the circular log independently.
type RecoveryResult struct {
	Slots []SlotEntry // one entry per slot, in slot order

	// OpHead is the highest op number found across every SlotOK slot, or
	// 0 if the log is empty.
	OpHead uint64
	// HeadSlot is the slot holding OpHead.
	HeadSlot int
	// HeadTorn is true when the slot the op after OpHead (OpHead+1) would
	// occupy is SlotDirty or SlotFaulty: the
	// replica must not trust that it has its own most recent prepare and
	// transitions to recovering_head.
	HeadTorn bool

	DirtySlots  []int
	FaultySlots []int
}

// Recover scans every slot in the log, classifying each and locating the
// highest valid op (the candidate head). Dirty and faulty slots are
// collected so internal/journal can schedule request_prepare repairs for
// them.
func Recover(ctx context.Context, w *WAL) (*RecoveryResult, error) {
	result := &RecoveryResult{Slots: make([]SlotEntry, w.slotCount)}

	var maxOp uint64
	var maxOpSlot int
	haveAny := false

	for slot := 0; slot < w.slotCount; slot++ {
		msg, status, err := w.ReadPrepare(ctx, slot)
		if err != nil {
			return nil, err
		}
		switch status {
		case SlotOK:
			result.Slots[slot] = SlotEntry{Header: msg.Header, Status: SlotOK}
			if !haveAny || msg.Header.Op > maxOp {
				maxOp = msg.Header.Op
				maxOpSlot = slot
				haveAny = true
			}
		case SlotDirty:
			result.Slots[slot] = SlotEntry{Status: SlotDirty}
			result.DirtySlots = append(result.DirtySlots, slot)
		case SlotFaulty:
			result.Slots[slot] = SlotEntry{Status: SlotFaulty}
			result.FaultySlots = append(result.FaultySlots, slot)
		default:
			result.Slots[slot] = SlotEntry{Status: SlotEmpty}
		}
	}

	if !haveAny {
		return result, nil
	}
	result.OpHead = maxOp
	result.HeadSlot = maxOpSlot

	// The head is torn if the op immediately after the apparent head
	// would land in a slot this scan found dirty or faulty -- i.e. we
	// cannot rule out that a higher op was written and then lost to a
	// torn write at the next slot in ring order.
	nextSlot := SlotFor(maxOp+1, w.slotCount)
	switch result.Slots[nextSlot].Status {
	case SlotDirty, SlotFaulty:
		result.HeadTorn = true
	}
	return result, nil
}
