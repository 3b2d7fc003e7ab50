package vsr

import (
	"context"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/statemachine"
	"github.com/leengari/vsrdb/internal/superblock"
)

// syncTargetKey identifies one candidate checkpoint to sync to. A
// checkpoint id alone isn't enough to trust: two replicas can only have
// produced the same id from the same view's durable state, so both
// fields key the vote a sync_target quorum is collected over.
type syncTargetKey struct {
	view         uint32
	checkpointID uint64
}

// beginStateSync is entered when a backup falls behind the primary by
// more than requestMissingOps's gap cap can close -- the primary has
// likely already checkpointed past ops this replica never logged, so
// asking for individual prepares would go unanswered forever. Instead it
// asks every peer what they're durably checkpointed at, and waits for a
// quorum to agree before trusting any single answer. Assumes r.mu is
// already held.
func (r *Replica) beginStateSync() {
	if r.syncPending {
		return
	}
	r.syncPending = true
	h := message.Header{
		ClusterID: r.clusterID,
		View:      r.view,
		Op:        r.opHead,
		ReplicaID: r.replicaID,
		Command:   message.CommandRequestSyncCheckpoint,
	}
	h.SetChecksums(nil)
	r.logger.Warn("vsr: gap exceeds prepare repair window, requesting state sync", "op_head", r.opHead)
	r.transport.Broadcast(message.Message{Header: h, Body: nil})
}

// onRequestSyncCheckpoint answers a peer that has fallen behind with this
// replica's own most recent durable checkpoint. The header repurposes Op
// for the checkpoint's op_checkpoint and Commit for its checkpoint id --
// this message never carries an op number or a commit advance in the
// usual sense, the same repurposing viewchange.go uses for log_view.
// Assumes r.mu is already held.
func (r *Replica) onRequestSyncCheckpoint(ctx context.Context, msg message.Message) {
	if r.status != StatusNormal {
		return
	}
	working := r.superblock.Working()
	if working.VSR.CheckpointID == 0 {
		return // nothing durable yet to offer
	}
	snapshot, err := r.sm.SnapshotCheckpoint(ctx, statemachine.CheckpointID(working.VSR.CheckpointID))
	if err != nil {
		r.logger.Warn("vsr: snapshot for sync_checkpoint failed", "error", err)
		return
	}
	h := message.Header{
		ClusterID: r.clusterID,
		View:      working.VSR.LogView,
		Op:        working.VSR.OpCheckpoint,
		Commit:    working.VSR.CheckpointID,
		Release:   working.Release,
		ReplicaID: r.replicaID,
		Command:   message.CommandSyncCheckpoint,
	}
	h.SetChecksums(snapshot)
	if err := r.transport.Send(msg.Header.ReplicaID, message.Message{Header: h, Body: snapshot}); err != nil {
		r.logger.Warn("vsr: sync_checkpoint send failed", "peer", msg.Header.ReplicaID, "error", err)
	}
}

// onSyncCheckpoint collects sync_checkpoint replies, keyed by the (view,
// checkpoint id) pair they advertise, and installs the target once a
// quorum of peers agree on the same pair. A lone peer's answer is never
// trusted on its own: a partitioned or stale replica could otherwise
// steer a recovering replica onto a checkpoint nobody else agrees it
// reached. Assumes r.mu is already held.
func (r *Replica) onSyncCheckpoint(ctx context.Context, msg message.Message) {
	if !r.syncPending {
		return
	}
	if msg.Header.Release > r.releaseMax {
		// This replica's own binary cannot service a release newer than
		// the one it was built for; it has no business installing a
		// checkpoint produced under that release. A cluster-wide binary
		// upgrade has to land first.
		r.logger.Error("vsr: sync target is on a newer release, refusing", "target_release", msg.Header.Release, "release_max", r.releaseMax)
		return
	}

	key := syncTargetKey{view: msg.Header.View, checkpointID: msg.Header.Commit}
	votes := r.syncVotes[key]
	if votes == nil {
		votes = make(map[uint8]bool)
		r.syncVotes[key] = votes
	}
	votes[msg.Header.ReplicaID] = true
	if len(votes) < r.quorum {
		return
	}

	// Truncation safety: never let a checkpoint from an older view
	// overwrite prepares this replica already holds from a newer one --
	// those prepares are more current than anything the sync target can
	// offer, regardless of how far behind this replica's commit number is.
	if key.view < r.logView && r.opHead > msg.Header.Op {
		r.logger.Warn("vsr: refusing stale sync target", "target_view", key.view, "our_log_view", r.logView)
		delete(r.syncVotes, key)
		return
	}

	if err := r.sm.InstallCheckpoint(ctx, statemachine.CheckpointID(key.checkpointID), msg.Body); err != nil {
		r.logger.Error("vsr: install synced checkpoint failed", "error", err)
		return
	}

	err := r.superblock.Update(ctx, func(sb superblock.Superblock) superblock.Superblock {
		sb.VSR.LogView = key.view
		sb.VSR.CommitMin = msg.Header.Op
		sb.VSR.OpCheckpoint = msg.Header.Op
		sb.VSR.CheckpointID = key.checkpointID
		sb.VSR.SyncOpMin = r.commitMin + 1
		sb.VSR.SyncOpMax = msg.Header.Op
		if msg.Header.Release > sb.Release {
			sb.Release = msg.Header.Release
		}
		return sb
	})
	if err != nil {
		r.logger.Error("vsr: superblock install of synced checkpoint failed", "error", err)
		return
	}

	r.opHead = msg.Header.Op
	r.parentChecksum = 0 // the checkpoint's final prepare isn't held locally; the chain restarts above commit_min
	r.commitMin = msg.Header.Op
	r.commitMax = msg.Header.Op
	r.logView = key.view
	if msg.Header.Release > r.release {
		r.release = msg.Header.Release
	}
	r.status = StatusRecoveringHead
	r.syncPending = false
	r.pending = make(map[uint64]*prepareTracker)
	r.requestQueue = nil
	for k := range r.syncVotes {
		delete(r.syncVotes, k)
	}

	r.logger.Info("vsr: state sync installed checkpoint, awaiting start_view to confirm head", "checkpoint_id", key.checkpointID, "op", msg.Header.Op)

	// Grid blocks the synced checkpoint references are not fetched here,
	// and FreeSetRef, the local free set and the scrubber's expected
	// checksums are left as they were before the sync. The scrubber only
	// verifies addresses it holds a checksum for, so blocks this replica
	// never stored are neither detected nor repaired by it.
	r.resetViewChangeTimerLocked()
}
