package vsr

import (
	"context"
	"fmt"

	"github.com/leengari/vsrdb/internal/grid"
	"github.com/leengari/vsrdb/internal/message"
)

// FetchBlock satisfies grid.PeerFetcher, but not in the synchronous sense
// its signature suggests: a reply to request_block can only ever arrive
// as a later, independent Deliver call, and blocking this call on that
// reply would hold r.mu across it -- the one thing no handler on this
// event loop is allowed to do. So FetchBlock only sends the request and
// reports unavailable immediately; onBlock installs the repair
// out-of-band whenever the reply actually lands, via Scrubber.ClearFault
// rather than this call's return value.
func (r *Replica) FetchBlock(ctx context.Context, id grid.BlockID) ([]byte, error) {
	r.requestBlockRepair(id.Address)
	return nil, fmt.Errorf("vsr: block repair requested asynchronously, not available yet")
}

// requestBlockRepair broadcasts a request for the block at addr to every
// peer; whichever one still has a copy that hashes to the checksum this
// replica expects answers with block. Assumes r.mu is already held.
func (r *Replica) requestBlockRepair(addr grid.Address) {
	checksum, ok := r.gridExpected[addr]
	if !ok {
		return
	}
	h := message.Header{
		ClusterID: r.clusterID,
		View:      r.view,
		Op:        uint64(addr),
		ReplicaID: r.replicaID,
		Command:   message.CommandRequestBlock,
	}
	h.ParentChecksum = checksum
	h.SetChecksums(nil)
	r.transport.Broadcast(message.Message{Header: h, Body: nil})
}

// onRequestBlock answers a peer's request_block if this replica's own
// copy of the address is intact and matches the checksum the peer
// expects. Assumes r.mu is already held.
func (r *Replica) onRequestBlock(ctx context.Context, msg message.Message) {
	id := grid.BlockID{Address: grid.Address(msg.Header.Op), Checksum: msg.Header.ParentChecksum}
	block, err := r.grid.Read(ctx, id)
	if err != nil {
		return // silence is the implicit nack, as with request_prepare
	}
	h := message.Header{
		ClusterID: r.clusterID,
		View:      r.view,
		Op:        msg.Header.Op,
		ParentChecksum: id.Checksum,
		ReplicaID: r.replicaID,
		Command:   message.CommandBlock,
	}
	h.SetChecksums(block)
	if err := r.transport.Send(msg.Header.ReplicaID, message.Message{Header: h, Body: block}); err != nil {
		r.logger.Warn("vsr: block reply send failed", "address", id.Address, "peer", msg.Header.ReplicaID, "error", err)
	}
}

// onBlock installs a peer-supplied repair for a block this replica's
// scrubber found faulty, and clears the fault so the next Tick doesn't
// re-request it. Assumes r.mu is already held.
func (r *Replica) onBlock(ctx context.Context, msg message.Message) {
	addr := grid.Address(msg.Header.Op)
	expected, ok := r.gridExpected[addr]
	if !ok || expected != msg.Header.ParentChecksum {
		return
	}
	if err := r.grid.Repair(ctx, grid.BlockID{Address: addr, Checksum: expected}, msg.Body); err != nil {
		r.logger.Warn("vsr: block repair install failed", "address", addr, "error", err)
		return
	}
	r.scrubber.ClearFault(addr)
	r.logger.Info("vsr: block repaired from peer", "address", addr, "peer", msg.Header.ReplicaID)
}
