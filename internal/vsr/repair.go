package vsr

import (
	"context"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/walog"
)

// maxGapRequest bounds how many missing ops a single gap triggers a
// request for, so a replica that just joined a long-running cluster
// doesn't flood its peers with one request per op behind.
const maxGapRequest = 64

// requestMissingOps asks the primary to resend every op in (from, upTo],
// capped at maxGapRequest, one request_prepare per op. Called when a
// prepare arrives further ahead than opHead+1. Assumes r.mu is already
// held.
func (r *Replica) requestMissingOps(from, upTo uint64) {
	if upTo-from > maxGapRequest {
		from = upTo - maxGapRequest
	}
	ops := make([]uint64, 0, upTo-from)
	for op := from + 1; op <= upTo; op++ {
		ops = append(ops, op)
	}
	r.requestOps(r.primaryID(), ops)
}

// requestOps sends one request_prepare per op to target, capped at
// maxGapRequest per call; the repair timer re-issues whatever is still
// missing next tick. Assumes r.mu is already held.
func (r *Replica) requestOps(target uint8, ops []uint64) {
	if len(ops) > maxGapRequest {
		ops = ops[:maxGapRequest]
	}
	for _, op := range ops {
		h := message.Header{
			ClusterID: r.clusterID,
			View:      r.view,
			Op:        op,
			Release:   r.release,
			ReplicaID: r.replicaID,
			Command:   message.CommandRequestPrepare,
		}
		h.SetChecksums(nil)
		if err := r.transport.Send(target, message.Message{Header: h, Body: nil}); err != nil {
			r.logger.Warn("vsr: request_prepare send failed", "op", op, "peer", target, "error", err)
		}
	}
}

// onRequestPrepare answers a peer's request to resend the prepare for
// one op, if this replica still has it intact. Silence (no reply) is
// the implicit nack: the command set has no dedicated negative reply,
// and CanNack governs whether a replica would even trust its own
// silence as meaningful during a view change. Assumes r.mu is already
// held.
func (r *Replica) onRequestPrepare(ctx context.Context, msg message.Message) {
	slot := walog.SlotFor(msg.Header.Op, r.cfg.SlotCount)
	prepMsg, status, err := r.wal.ReadPrepare(ctx, slot)
	if err != nil || status != walog.SlotOK || prepMsg.Header.Op != msg.Header.Op {
		return
	}
	if err := r.transport.Send(msg.Header.ReplicaID, prepMsg); err != nil {
		r.logger.Warn("vsr: request_prepare reply failed", "op", msg.Header.Op, "peer", msg.Header.ReplicaID, "error", err)
	}
}
