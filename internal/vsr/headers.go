package vsr

import (
	"context"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/walog"
)

// maxHeadersPerReply bounds how many headers one headers message carries,
// keeping the body comfortably under MessageSizeMax.
const maxHeadersPerReply = 64

// onRequestHeaders answers a peer asking for the canonical headers of an
// op range (Op..Commit, repurposed the way view-change messages repurpose
// header fields): the body of the reply is a dense array of encoded
// headers for every op in the range this replica holds valid. Assumes
// r.mu is already held.
func (r *Replica) onRequestHeaders(ctx context.Context, msg message.Message) {
	from, to := msg.Header.Op, msg.Header.Commit
	if to < from {
		return
	}
	if to-from >= maxHeadersPerReply {
		to = from + maxHeadersPerReply - 1
	}

	var body []byte
	for op := from; op <= to; op++ {
		h, ok := r.journal.HeaderForOp(op)
		if !ok {
			continue
		}
		body = append(body, h.Encode()...)
	}
	if len(body) == 0 {
		return
	}

	reply := message.Header{
		ClusterID: r.clusterID,
		View:      r.view,
		Op:        from,
		Commit:    to,
		Release:   r.release,
		ReplicaID: r.replicaID,
		Command:   message.CommandHeaders,
	}
	reply.SetChecksums(body)
	if err := r.transport.Send(msg.Header.ReplicaID, message.Message{Header: reply, Body: body}); err != nil {
		r.logger.Warn("vsr: headers send failed", "peer", msg.Header.ReplicaID, "error", err)
	}
}

// onHeaders installs peer-supplied canonical headers for slots this
// replica was missing: each header is written to the header ring alone
// (the body is still absent, so the slot records as dirty) and the
// matching prepares are requested immediately. This is the repair_header
// path: knowing the canonical header first means the later prepare can be
// validated against it instead of trusted blindly. Assumes r.mu is
// already held.
func (r *Replica) onHeaders(ctx context.Context, msg message.Message) {
	if r.status != StatusNormal {
		return
	}
	var repairOps []uint64
	for off := 0; off+message.HeaderSize <= len(msg.Body); off += message.HeaderSize {
		h, err := message.DecodeHeader(msg.Body[off : off+message.HeaderSize])
		if err != nil || !h.ValidHeader() {
			continue
		}
		if h.Op <= r.commitMin || h.Op > r.opHead {
			continue
		}
		if _, ok := r.journal.HeaderForOp(h.Op); ok {
			continue
		}
		slot := walog.SlotFor(h.Op, r.cfg.SlotCount)
		if err := r.wal.RepairHeader(ctx, slot, h); err != nil {
			r.logger.Warn("vsr: header repair write failed", "op", h.Op, "error", err)
			continue
		}
		r.journal.SetHeaderDirty(slot, h)
		repairOps = append(repairOps, h.Op)
	}
	if len(repairOps) > 0 {
		r.requestOps(msg.Header.ReplicaID, repairOps)
	}
}
