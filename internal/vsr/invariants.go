package vsr

import (
	"fmt"

	"go.uber.org/multierr"
)

// checkInvariantsLocked re-checks the protocol invariants every handler
// must preserve, and halts the replica if any fail: a replica whose state
// has diverged from the protocol's guarantees must stop before it can
// propagate the divergence to a peer or to disk. All violations found are
// aggregated so the panic message names every broken invariant at once,
// not just the first. Assumes r.mu is held.
func (r *Replica) checkInvariantsLocked() {
	var err error

	if r.commitMin > r.commitMax {
		err = multierr.Append(err, fmt.Errorf("commit_min %d > commit_max %d", r.commitMin, r.commitMax))
	}
	if r.logView > r.view {
		err = multierr.Append(err, fmt.Errorf("log_view %d > view %d", r.logView, r.view))
	}
	if r.status == StatusNormal && r.logView != r.view {
		err = multierr.Append(err, fmt.Errorf("status=normal with log_view %d != view %d", r.logView, r.view))
	}

	// The WAL must retain every prepare above the checkpoint: if the gap
	// between what we've applied and where the checkpoint sits exceeds the
	// slots the log can spare, post-checkpoint slots have been overwritten
	// before the next checkpoint was durable.
	working := r.superblock.Working()
	window := uint64(r.cfg.SlotCount - r.cfg.PipelinePrepareQueueMax)
	if r.commitMin >= working.VSR.OpCheckpoint && r.commitMin-working.VSR.OpCheckpoint > window {
		err = multierr.Append(err, fmt.Errorf("commit_min %d outruns op_checkpoint %d by more than the WAL window %d",
			r.commitMin, working.VSR.OpCheckpoint, window))
	}

	if err != nil {
		r.logger.Error("vsr: protocol invariant violated, halting", "error", err,
			"view", r.view, "log_view", r.logView, "op_head", r.opHead,
			"commit_min", r.commitMin, "commit_max", r.commitMax, "status", r.status)
		panic(fmt.Errorf("%w: %v", ErrInvariantViolation, err))
	}
}
