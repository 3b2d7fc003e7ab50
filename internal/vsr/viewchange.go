package vsr

import (
	"context"

	"github.com/leengari/vsrdb/internal/message"
)

// logViewOf and withLogView pack the log_view a do_view_change message
// carries into the header's RequestNumber field: view-change control
// messages never address a client, so RequestNumber/ClientID are free to
// repurpose rather than widen the wire header for one rare message type.
func logViewOf(h message.Header) uint32 { return uint32(h.RequestNumber) }
func withLogView(h message.Header, logView uint32) message.Header {
	h.RequestNumber = uint64(logView)
	return h
}

// adoptHeadChecksumLocked repoints the hash-chain tail at whatever the
// journal holds for the (possibly just-adopted) op_head: the checksum of
// the head prepare if held, unknown otherwise until repair fills it.
// Assumes r.mu is already held.
func (r *Replica) adoptHeadChecksumLocked() {
	if h, ok := r.journal.HeaderForOp(r.opHead); ok {
		r.parentChecksum = h.ChecksumHeader
	} else {
		r.parentChecksum = 0
	}
}

// onViewChangeTimer fires when a backup has not heard from its primary
// (via prepare, commit, or ping) within the view-change timeout. It
// starts a bid for the next view. A top-level entry point: acquires
// r.mu itself, unlike the onX handlers Deliver dispatches to.
func (r *Replica) onViewChangeTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariantsLocked()
	r.startViewChange(r.view + 1)
	if r.viewChangeTimer != nil {
		r.viewChangeTimer.Reset(r.timers.ViewChange)
	}
}

// startViewChange moves this replica into view-change status for
// newView and broadcasts its own start_view_change, registering its own
// vote immediately. Standbys never vote or lead, so they sit view
// changes out entirely and adopt the outcome from start_view. Assumes
// r.mu is already held.
func (r *Replica) startViewChange(newView uint32) {
	if r.standby {
		return
	}
	if newView <= r.view && r.status == StatusViewChange {
		return
	}
	r.view = newView
	r.status = StatusViewChange
	r.requestQueue = nil
	msg := r.buildControlLocked(message.CommandStartViewChange)
	votes := r.startViewChangeVotes[newView]
	if votes == nil {
		votes = make(map[uint8]bool)
		r.startViewChangeVotes[newView] = votes
	}
	votes[r.replicaID] = true

	r.metrics.RecordViewChange(context.Background())
	r.transport.Broadcast(msg)
}

// onStartViewChange records a peer's vote for a view and, once a quorum
// (including this replica's own vote) is reached, sends a do_view_change
// to the replica that will be primary for that view -- itself, if that's
// who it is. Assumes r.mu is already held.
func (r *Replica) onStartViewChange(ctx context.Context, msg message.Message) {
	if r.standby {
		return
	}
	if msg.Header.View < r.view {
		return
	}
	if int(msg.Header.ReplicaID) >= r.replicaCount {
		return
	}
	if msg.Header.View > r.view {
		r.startViewChange(msg.Header.View)
	}

	votes := r.startViewChangeVotes[msg.Header.View]
	if votes == nil {
		votes = make(map[uint8]bool)
		r.startViewChangeVotes[msg.Header.View] = votes
	}
	votes[msg.Header.ReplicaID] = true
	if len(votes) < r.quorum {
		return
	}

	view := r.view
	newPrimary := uint8(view % uint32(r.replicaCount))
	dvc := message.Header{
		ClusterID: r.clusterID,
		View:      view,
		Op:        r.opHead,
		Commit:    r.commitMax,
		ReplicaID: r.replicaID,
		Command:   message.CommandDoViewChange,
	}
	dvc = withLogView(dvc, r.logView)
	dvc.SetChecksums(nil)
	dvcMsg := message.Message{Header: dvc, Body: nil}

	if newPrimary == r.replicaID {
		r.onDoViewChange(ctx, dvcMsg)
		return
	}
	if err := r.transport.Send(newPrimary, dvcMsg); err != nil {
		r.logger.Warn("vsr: do_view_change send failed", "primary", newPrimary, "error", err)
	}
}

// onDoViewChange collects do_view_change votes at the replica that would
// become primary for the named view. Once a quorum is in, it selects the
// most advanced log among them (highest log_view, then highest op) as
// canonical and announces start_view -- unless its own durable checkpoint
// is too stale to hold that log, in which case it forfeits leadership to
// the next replica in line rather than stall the cluster while it state
// syncs. Assumes r.mu is already held.
func (r *Replica) onDoViewChange(ctx context.Context, msg message.Message) {
	if msg.Header.View != r.view {
		return
	}
	if int(msg.Header.ReplicaID) >= r.replicaCount {
		return
	}
	msgs := r.doViewChangeMsgs[msg.Header.View]
	for _, m := range msgs {
		if m.Header.ReplicaID == msg.Header.ReplicaID {
			return
		}
	}
	msgs = append(msgs, msg)
	r.doViewChangeMsgs[msg.Header.View] = msgs
	if len(msgs) < r.quorum {
		return
	}

	best := msgs[0]
	quorumCommitMax := best.Header.Commit
	for _, m := range msgs[1:] {
		if m.Header.Commit > quorumCommitMax {
			quorumCommitMax = m.Header.Commit
		}
		if logViewOf(m.Header) > logViewOf(best.Header) ||
			(logViewOf(m.Header) == logViewOf(best.Header) && m.Header.Op > best.Header.Op) {
			best = m
		}
	}

	// Forfeit: if the quorum has committed past what this replica's WAL
	// can hold above its own checkpoint, it cannot host the canonical log
	// without state syncing first. Stepping aside lets a fresher replica
	// lead instead of blocking the whole cluster behind a sync.
	working := r.superblock.Working()
	window := uint64(r.cfg.SlotCount - r.cfg.PipelinePrepareQueueMax)
	if quorumCommitMax > working.VSR.OpCheckpoint+window {
		r.logger.Warn("vsr: checkpoint too stale to lead, forfeiting view",
			"view", r.view, "quorum_commit_max", quorumCommitMax, "op_checkpoint", working.VSR.OpCheckpoint)
		delete(r.doViewChangeMsgs, r.view)
		r.startViewChange(r.view + 1)
		return
	}

	view := r.view
	r.logView = view
	if best.Header.Op > r.opHead {
		r.opHead = best.Header.Op
	}
	if best.Header.Commit > r.commitMax {
		r.commitMax = best.Header.Commit
	}
	r.adoptHeadChecksumLocked()
	r.status = StatusNormal
	delete(r.doViewChangeMsgs, view)
	delete(r.startViewChangeVotes, view)
	if r.viewChangeTimer != nil {
		r.viewChangeTimer.Stop()
	}
	sv := r.buildControlLocked(message.CommandStartView)
	sv.Header = withLogView(sv.Header, view)
	sv.Header.SetChecksums(nil)

	r.transport.Broadcast(sv)

	// The winning log may contain prepares this replica never received;
	// pull them from the vote that reported them before trying to apply.
	if missing := r.journal.DirtyInRange(r.commitMin, r.opHead); len(missing) > 0 && best.Header.ReplicaID != r.replicaID {
		r.requestOps(best.Header.ReplicaID, missing)
	}
	r.applyUpTo(ctx, r.commitMax)
}

// onStartView handles the new primary's announcement: adopt its view,
// log_view, op, and commit numbers, return to normal status, and catch
// up on anything newly committed. Assumes r.mu is already held.
func (r *Replica) onStartView(ctx context.Context, msg message.Message) {
	if msg.Header.View < r.view {
		return
	}
	r.view = msg.Header.View
	r.logView = logViewOf(msg.Header)
	r.status = StatusNormal
	r.syncPending = false
	if msg.Header.Op > r.opHead {
		r.opHead = msg.Header.Op
	}
	if msg.Header.Commit > r.commitMax {
		r.commitMax = msg.Header.Commit
	}
	r.adoptHeadChecksumLocked()
	delete(r.startViewChangeVotes, msg.Header.View)
	r.ensureViewChangeTimerLocked()

	// Catch up: anything between our applied prefix and the announced head
	// that we don't hold has to come from the new primary before applying
	// can pass it.
	if missing := r.journal.DirtyInRange(r.commitMin, r.opHead); len(missing) > 0 && msg.Header.ReplicaID != r.replicaID {
		r.requestOps(msg.Header.ReplicaID, missing)
	}
	r.applyUpTo(ctx, r.commitMax)
}

// onRequestStartView answers a recovering replica's request for the
// current view's authoritative state. Only the primary answers: a backup's
// view of the head may itself be stale. Assumes r.mu is already held.
func (r *Replica) onRequestStartView(ctx context.Context, msg message.Message) {
	if !r.isPrimaryLocked() {
		return
	}
	sv := r.buildControlLocked(message.CommandStartView)
	sv.Header = withLogView(sv.Header, r.logView)
	sv.Header.SetChecksums(nil)
	if err := r.transport.Send(msg.Header.ReplicaID, sv); err != nil {
		r.logger.Warn("vsr: start_view send failed", "peer", msg.Header.ReplicaID, "error", err)
	}
}
