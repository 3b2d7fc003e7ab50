package vsr

import (
	"context"
	"errors"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/replycache"
	"github.com/leengari/vsrdb/internal/walog"
)

// onRequest handles a client request arriving at (what this replica
// believes is) the primary. It is the only place a new op enters the
// log: everything downstream (prepare, prepare_ok, commit) exists to
// replicate this one op to a quorum before its reply goes back. Assumes
// r.mu is already held by Deliver.
func (r *Replica) onRequest(ctx context.Context, msg message.Message, reply func(message.Message) error) {
	if !r.isPrimaryLocked() {
		r.logger.Warn("vsr: request at non-primary replica, dropping", "view", r.view, "client_id", msg.Header.ClientID)
		return
	}

	clientID, requestNumber := msg.Header.ClientID, msg.Header.RequestNumber

	cached, ok, err := r.replyCache.Lookup(ctx, clientID, requestNumber)
	switch {
	case errors.Is(err, replycache.ErrSlotCorrupt):
		// The slot exists but cannot be read back; a backup has the same
		// reply. Repair it and let the client's retry hit the cache.
		r.requestReplyRepair(clientID, requestNumber)
		return
	case err == nil && ok:
		r.sendReply(reply, clientID, requestNumber, cached.Reply)
		return
	}

	if len(r.pending) >= r.cfg.PipelinePrepareQueueMax {
		// Backpressure: hold a bounded number of requests until commits
		// drain the pipeline; beyond that, drop -- the client's retry is
		// idempotent by request_number.
		if len(r.requestQueue) < r.cfg.PipelineRequestQueueMax {
			r.requestQueue = append(r.requestQueue, queuedRequest{msg: msg, reply: reply})
			return
		}
		r.logger.Warn("vsr: pipeline and request queue full, dropping request", "client_id", clientID)
		return
	}

	r.startPrepare(ctx, msg, reply)
}

// queuedRequest is one client request waiting for pipeline room.
type queuedRequest struct {
	msg   message.Message
	reply func(message.Message) error
}

// startPrepare turns a client request into the next prepare in the log
// and broadcasts it. Callers have already checked the reply cache and
// pipeline bound. Assumes r.mu is already held.
func (r *Replica) startPrepare(ctx context.Context, msg message.Message, reply func(message.Message) error) {
	op := r.opHead + 1
	header := message.Header{
		ClusterID:      r.clusterID,
		View:           r.view,
		Op:             op,
		Commit:         r.commitMax,
		Timestamp:      r.clk.Now().UnixNano(),
		RequestNumber:  msg.Header.RequestNumber,
		ClientID:       msg.Header.ClientID,
		ParentChecksum: r.parentChecksum,
		Release:        r.release,
		ReplicaID:      r.replicaID,
		Command:        message.CommandPrepare,
		Operation:      msg.Header.Operation,
	}
	header.SetChecksums(msg.Body)

	tracker := &prepareTracker{header: header, body: msg.Body, replyFn: reply, votes: map[uint8]bool{r.replicaID: true}}
	r.pending[op] = tracker
	r.opHead = op
	r.parentChecksum = header.ChecksumHeader
	if r.abdicateSince.IsZero() {
		r.abdicateSince = r.clk.Now()
	}

	if err := r.sm.Prefetch(ctx, op, uint8(header.Operation), msg.Body); err != nil {
		r.logger.Warn("vsr: prefetch failed", "op", op, "error", err)
	}

	if err := r.writeAndJournal(ctx, header, msg.Body); err != nil {
		r.logger.Error("vsr: write prepare failed", "op", op, "error", err)
		return
	}

	r.transport.Broadcast(message.Message{Header: header, Body: msg.Body})
	r.maybeAdvanceCommit(ctx)
}

// writeAndJournal durably appends header/body at the slot SlotFor(op)
// selects, then updates the in-memory journal to match.
func (r *Replica) writeAndJournal(ctx context.Context, header message.Header, body []byte) error {
	slot := walog.SlotFor(header.Op, r.cfg.SlotCount)
	if err := r.wal.WritePrepare(ctx, slot, header, body); err != nil {
		return err
	}
	r.journal.SetPrepared(slot, header)
	return nil
}

// sendReply builds a CommandReply message and writes it back on the
// connection the originating request arrived on. Assumes r.mu is
// already held.
func (r *Replica) sendReply(reply func(message.Message) error, clientID, requestNumber uint64, body []byte) {
	h := message.Header{
		ClusterID:     r.clusterID,
		View:          r.view,
		ClientID:      clientID,
		RequestNumber: requestNumber,
		Release:       r.release,
		ReplicaID:     r.replicaID,
		Command:       message.CommandReply,
	}
	h.SetChecksums(body)
	if err := reply(message.Message{Header: h, Body: body}); err != nil {
		r.logger.Warn("vsr: reply send failed", "client_id", clientID, "error", err)
	}
}

// onPrepareOK records a backup's vote for op and, once a quorum
// (including the primary's own implicit vote) is reached, advances the
// commit number and applies the op. Assumes r.mu is already held.
func (r *Replica) onPrepareOK(ctx context.Context, msg message.Message) {
	if !r.isPrimaryLocked() {
		return
	}
	if int(msg.Header.ReplicaID) >= r.replicaCount {
		// A standby's ack (it should not send one) must never count
		// toward a quorum.
		return
	}
	tracker, ok := r.pending[msg.Header.Op]
	if !ok {
		return
	}
	tracker.votes[msg.Header.ReplicaID] = true
	if len(tracker.votes) >= r.quorum {
		r.maybeAdvanceCommit(ctx)
	}
}
