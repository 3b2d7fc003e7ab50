package vsr

import (
	"context"
	"time"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/walog"
)

// onPrepare handles a prepare arriving at a backup: append it to the log
// in the given order, acknowledge it, and opportunistically apply
// whatever the primary's own commit number says is already safe. Assumes
// r.mu is already held by Deliver.
func (r *Replica) onPrepare(ctx context.Context, msg message.Message) {
	if r.status != StatusNormal {
		return
	}
	if msg.Header.View != r.view {
		if msg.Header.View > r.view {
			// The cluster has moved to a view this replica missed (a
			// partition, or its own deposed primacy); the new primary's
			// start_view is how it rejoins.
			r.sendRequestStartViewLocked(msg.Header.ReplicaID)
		}
		return
	}
	if msg.Header.Release > r.releaseMax {
		// This binary does not carry the release that produced the
		// prepare; applying it would interpret bytes whose format this
		// code has never seen. The replica stalls here until the operator
		// restarts it on the right binary.
		r.logger.Error("vsr: prepare from a release this binary does not carry, refusing",
			"op", msg.Header.Op, "prepare_release", msg.Header.Release, "release_max", r.releaseMax)
		return
	}
	if msg.Header.Op != r.opHead+1 {
		if msg.Header.Op <= r.opHead {
			r.fillPrepare(ctx, msg)
			return
		}
		from, upTo := r.opHead, msg.Header.Op-1
		if upTo-from > maxGapRequest {
			r.beginStateSync()
			return
		}
		// Adopt the prepare as the new head and repair the gap beneath
		// it. No ack yet: prepare_ok asserts the whole prefix, which this
		// replica does not hold until the repair completes.
		r.logger.Warn("vsr: prepare out of order, adopting head and requesting gap", "have", from, "got", msg.Header.Op)
		if err := r.writeAndJournal(ctx, msg.Header, msg.Body); err != nil {
			r.logger.Error("vsr: write prepare failed", "op", msg.Header.Op, "error", err)
			return
		}
		r.opHead = msg.Header.Op
		r.parentChecksum = msg.Header.ChecksumHeader
		if msg.Header.Commit > r.commitMax {
			r.commitMax = msg.Header.Commit
		}
		r.resetViewChangeTimerLocked()
		r.requestMissingOps(from, upTo)
		return
	}
	if prev, ok := r.journal.HeaderForOp(msg.Header.Op - 1); ok {
		if msg.Header.ParentChecksum != prev.ChecksumHeader {
			r.logger.Error("vsr: prepare parent checksum mismatch, refusing", "op", msg.Header.Op)
			return
		}
	} else if msg.Header.Op-1 > r.commitMin {
		// The parent is neither held nor already applied; nothing local
		// can vouch for the chain, so repair the parent first.
		r.requestMissingOps(msg.Header.Op-1-1, msg.Header.Op-1)
		return
	}
	// Ops at or below commit_min sit under the checkpoint's authority; the
	// chain check starts above it.

	r.opHead = msg.Header.Op
	r.parentChecksum = msg.Header.ChecksumHeader
	if msg.Header.Commit > r.commitMax {
		r.commitMax = msg.Header.Commit
	}
	primary := r.primaryID()
	r.resetViewChangeTimerLocked()

	if err := r.writeAndJournal(ctx, msg.Header, msg.Body); err != nil {
		r.logger.Error("vsr: write prepare failed", "op", msg.Header.Op, "error", err)
		return
	}

	r.sendPrepareOK(primary, msg.Header.Op)
	r.applyUpTo(ctx, r.commitMax)
}

// sendPrepareOK acknowledges op to the primary. A standby writes and
// repairs prepares like any backup but never acknowledges them: its vote
// must not count toward any quorum. Assumes r.mu is already held.
func (r *Replica) sendPrepareOK(primary uint8, op uint64) {
	if r.standby || primary == r.replicaID {
		return
	}
	ackHeader := message.Header{
		ClusterID: r.clusterID,
		View:      r.view,
		Op:        op,
		Commit:    r.commitMax,
		Timestamp: r.clk.Now().UnixNano(),
		Release:   r.release,
		ReplicaID: r.replicaID,
		Command:   message.CommandPrepareOK,
	}
	ackHeader.SetChecksums(nil)
	if err := r.transport.Send(primary, message.Message{Header: ackHeader, Body: nil}); err != nil {
		r.logger.Warn("vsr: prepare_ok send failed", "primary", primary, "error", err)
	}
}

// fillPrepare handles a prepare at or below op_head: either a retransmit
// of something already held (ignored) or the answer to a repair request
// for a slot this replica was missing. A filled slot is validated against
// the hash chain on both sides where neighbors are known. Assumes r.mu is
// already held.
func (r *Replica) fillPrepare(ctx context.Context, msg message.Message) {
	op := msg.Header.Op
	if op <= r.commitMin {
		return
	}
	if _, ok := r.journal.HeaderForOp(op); ok {
		// Already have it (a retransmit); nothing to do.
		return
	}
	if prev, ok := r.journal.HeaderForOp(op - 1); ok && msg.Header.ParentChecksum != prev.ChecksumHeader {
		r.logger.Error("vsr: repair prepare parent checksum mismatch, refusing", "op", op)
		return
	}
	if next, ok := r.journal.HeaderForOp(op + 1); ok && next.ParentChecksum != msg.Header.ChecksumHeader {
		r.logger.Error("vsr: repair prepare is not the parent of op+1, refusing", "op", op)
		return
	}
	if err := r.writeAndJournal(ctx, msg.Header, msg.Body); err != nil {
		r.logger.Error("vsr: write repaired prepare failed", "op", op, "error", err)
		return
	}
	if op == r.opHead {
		r.parentChecksum = msg.Header.ChecksumHeader
	}
	r.logger.Info("vsr: repaired missing prepare", "op", op)
	r.sendPrepareOK(r.primaryID(), op)
	r.applyUpTo(ctx, r.commitMax)
}

// onCommit handles a dedicated commit announcement: the primary sends
// this when no prepare is due for a while, so backups don't wait
// indefinitely to learn that older ops are safe to apply. Assumes r.mu
// is already held.
func (r *Replica) onCommit(ctx context.Context, msg message.Message) {
	if msg.Header.View != r.view {
		if msg.Header.View > r.view && r.status == StatusNormal {
			r.sendRequestStartViewLocked(msg.Header.ReplicaID)
		}
		return
	}
	if msg.Header.Commit > r.commitMax {
		r.commitMax = msg.Header.Commit
	}
	r.resetViewChangeTimerLocked()
	r.applyUpTo(ctx, r.commitMax)
}

// maybeAdvanceCommit is called by the primary after every new prepare_ok
// vote. It walks forward from the current commit number while each next
// op has a prepare_ok quorum, then applies everything newly committed
// and broadcasts the advance. Assumes r.mu is already held.
func (r *Replica) maybeAdvanceCommit(ctx context.Context) {
	advanced := false
	for {
		next := r.commitMax + 1
		tracker, ok := r.pending[next]
		if !ok || len(tracker.votes) < r.quorum {
			break
		}
		r.commitMax = next
		advanced = true
	}
	if !advanced {
		return
	}
	if r.opHead == r.commitMax {
		r.abdicateSince = time.Time{}
	} else {
		r.abdicateSince = r.clk.Now()
	}
	r.applyUpTo(ctx, r.commitMax)

	commitMsg := r.buildControlLocked(message.CommandCommit)
	r.transport.Broadcast(commitMsg)
}

// applyUpTo drives the state machine forward through every op up to and
// including target, in strict op order, applying each exactly once. It
// is called both by the primary (once a quorum commits an op) and by a
// backup (once it learns, via a prepare's or commit's Commit field, that
// an op is safe). Assumes r.mu is already held; it is reentrant-safe in
// the sense that it never blocks on anything but storage and the state
// machine, both driven synchronously within the same critical section.
func (r *Replica) applyUpTo(ctx context.Context, target uint64) {
	for r.commitMin < target {
		op := r.commitMin + 1
		tracker := r.pending[op]

		header, body, err := r.fetchOp(ctx, op, tracker)
		if err != nil {
			r.logger.Error("vsr: cannot fetch op to apply, stalling", "op", op, "error", err)
			return
		}

		var replyBody []byte
		if header.Operation == message.OperationUpgrade {
			// Upgrade ops are the replica's own, never the state
			// machine's: record the announced release and install it at
			// the checkpoint that closes this bar.
			r.commitUpgradeLocked(op, body)
		} else {
			if err := r.sm.Prepare(ctx, op, uint8(header.Operation), body); err != nil {
				r.logger.Error("vsr: state machine prepare failed", "op", op, "error", err)
				return
			}
			replyBody, err = r.sm.Commit(ctx, op, uint8(header.Operation), body)
			if err != nil {
				r.logger.Error("vsr: state machine commit failed", "op", op, "error", err)
				return
			}
			if err := r.replyCache.Store(ctx, header.ClientID, header.RequestNumber, replyBody); err != nil {
				r.logger.Warn("vsr: reply cache store failed", "op", op, "error", err)
			}
		}
		if header.Timestamp != 0 {
			r.metrics.ObserveCommit(ctx, r.clk.Now().Sub(time.Unix(0, header.Timestamp)))
		}

		r.commitMin = op
		delete(r.pending, op)
		r.checkpointOps++
		takeCheckpoint := r.checkpointOps >= r.cfg.CheckpointInterval
		if takeCheckpoint {
			r.checkpointOps = 0
		}

		if tracker != nil && tracker.replyFn != nil {
			r.sendReply(tracker.replyFn, header.ClientID, header.RequestNumber, replyBody)
		}

		if takeCheckpoint {
			r.checkpoint(ctx)
		}
	}
	r.maybeInjectUpgradeLocked(ctx)
	r.drainRequestQueue(ctx)
}

// drainRequestQueue admits queued client requests into whatever pipeline
// room the just-applied commits freed up. Assumes r.mu is already held.
func (r *Replica) drainRequestQueue(ctx context.Context) {
	for len(r.requestQueue) > 0 && len(r.pending) < r.cfg.PipelinePrepareQueueMax && r.isPrimaryLocked() {
		next := r.requestQueue[0]
		r.requestQueue = r.requestQueue[1:]
		r.startPrepare(ctx, next.msg, next.reply)
	}
}

// fetchOp returns the header and body for op, preferring the in-memory
// pending tracker (avoids a disk round trip on the primary's own hot
// path) and falling back to reading the op back from the log. Assumes
// r.mu is already held.
func (r *Replica) fetchOp(ctx context.Context, op uint64, tracker *prepareTracker) (message.Header, []byte, error) {
	if tracker != nil {
		return tracker.header, tracker.body, nil
	}
	slot := walog.SlotFor(op, r.cfg.SlotCount)
	msg, status, err := r.wal.ReadPrepare(ctx, slot)
	if err != nil {
		return message.Header{}, nil, err
	}
	if status != walog.SlotOK || msg.Header.Op != op {
		return message.Header{}, nil, errOpNotReady(op)
	}
	return msg.Header, msg.Body, nil
}
