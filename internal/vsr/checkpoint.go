package vsr

import (
	"context"
	"fmt"

	"github.com/leengari/vsrdb/internal/grid"
	"github.com/leengari/vsrdb/internal/superblock"
)

// freeSetSnapshotAddress is the well-known grid address the free-set
// bitmap is snapshotted to on every checkpoint. It is pinned live (never
// allocated through Acquire, never released) so the scrubber covers it
// like any other referenced block.
const freeSetSnapshotAddress grid.Address = 1

// checkpoint asks the state machine to flush durably, then advances the
// superblock's working copy to record the new checkpoint: op_checkpoint
// moves to commit_min, and the new checkpoint id replaces the old one.
// Until this returns, a crash simply replays from the previous
// checkpoint plus whatever the log still holds -- checkpointing is an
// optimization on recovery time, never a correctness requirement.
// Assumes r.mu is already held.
func (r *Replica) checkpoint(ctx context.Context) {
	id, err := r.sm.Checkpoint(ctx)
	if err != nil {
		r.logger.Error("vsr: state machine checkpoint failed", "error", err)
		return
	}

	commitMin := r.commitMin
	view := r.view
	logView := r.logView

	freeSetBlock, err := r.encodeFreeSetSnapshotLocked()
	if err != nil {
		r.logger.Error("vsr: free-set snapshot encode failed", "error", err)
		return
	}
	freeSetID, err := r.grid.Write(ctx, freeSetSnapshotAddress, freeSetBlock)
	if err != nil {
		r.logger.Error("vsr: free-set snapshot write failed", "error", err)
		return
	}
	r.gridExpected[freeSetSnapshotAddress] = freeSetID.Checksum

	release := r.release
	if r.pendingUpgrade > release {
		release = r.pendingUpgrade
	}

	err = r.superblock.Update(ctx, func(sb superblock.Superblock) superblock.Superblock {
		sb.VSR.View = view
		sb.VSR.LogView = logView
		sb.VSR.CommitMin = commitMin
		sb.VSR.OpCheckpoint = commitMin
		sb.VSR.CheckpointID = uint64(id)
		sb.FreeSetRef = uint64(freeSetID.Address)
		sb.Release = release
		return sb
	})
	if err != nil {
		r.logger.Error("vsr: superblock update failed", "error", err)
		return
	}

	// A committed upgrade becomes the running release only here, once the
	// checkpoint carrying it is durable.
	if release > r.release {
		r.logger.Info("vsr: release upgrade installed at checkpoint", "old_release", r.release, "new_release", release)
		r.release = release
	}
	r.pendingUpgrade = 0
	if r.upgradeTarget != 0 && r.release >= r.upgradeTarget {
		r.upgradeTarget = 0
	}
	r.logger.Info("vsr: checkpoint complete", "checkpoint_id", id, "op_checkpoint", commitMin)
}

// encodeFreeSetSnapshotLocked pads the free-set's byte-per-address
// snapshot out to exactly one grid block, the fixed size Grid.Write
// requires. Assumes r.mu is already held.
func (r *Replica) encodeFreeSetSnapshotLocked() ([]byte, error) {
	r.grid.FreeSet.MarkUsed(freeSetSnapshotAddress)
	snapshot := r.grid.FreeSet.Snapshot()
	if uint64(len(snapshot)) > r.cfg.GridBlockSize {
		return nil, fmt.Errorf("vsr: free-set snapshot %d bytes exceeds grid_block_size %d", len(snapshot), r.cfg.GridBlockSize)
	}
	block := make([]byte, r.cfg.GridBlockSize)
	copy(block, snapshot)
	return block, nil
}
