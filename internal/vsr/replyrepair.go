package vsr

import (
	"context"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/replycache"
)

// requestReplyRepair asks the backups for their copy of the reply to
// (clientID, requestNumber), after the local reply-cache slot for that
// client was found corrupt. Every replica stores replies as it commits,
// so any backup that committed the op can answer. Assumes r.mu is held.
func (r *Replica) requestReplyRepair(clientID, requestNumber uint64) {
	h := message.Header{
		ClusterID:     r.clusterID,
		View:          r.view,
		ClientID:      clientID,
		RequestNumber: requestNumber,
		Release:       r.release,
		ReplicaID:     r.replicaID,
		Command:       message.CommandRequestReply,
	}
	h.SetChecksums(nil)
	r.logger.Warn("vsr: reply cache slot corrupt, requesting repair from backups", "client_id", clientID, "request", requestNumber)
	r.transport.Broadcast(message.Message{Header: h, Body: nil})
}

// onRequestReply answers a peer whose reply-cache slot for a client went
// bad, from this replica's own cache. Silence if this replica's copy is
// missing or also corrupt. Assumes r.mu is already held.
func (r *Replica) onRequestReply(ctx context.Context, msg message.Message) {
	entry, ok, err := r.replyCache.Lookup(ctx, msg.Header.ClientID, msg.Header.RequestNumber)
	if err != nil || !ok {
		return
	}
	h := message.Header{
		ClusterID:     r.clusterID,
		View:          r.view,
		ClientID:      entry.ClientID,
		RequestNumber: entry.RequestNumber,
		Release:       r.release,
		ReplicaID:     r.replicaID,
		Command:       message.CommandReply,
	}
	h.SetChecksums(entry.Reply)
	if err := r.transport.Send(msg.Header.ReplicaID, message.Message{Header: h, Body: entry.Reply}); err != nil {
		r.logger.Warn("vsr: reply repair send failed", "peer", msg.Header.ReplicaID, "error", err)
	}
}

// onReply installs a backup's copy of a reply into the local cache. A
// replica only ever receives CommandReply peer-to-peer as the answer to
// its own request_reply; client-bound replies travel back on the client's
// own connection, never through Deliver. Assumes r.mu is already held.
func (r *Replica) onReply(ctx context.Context, msg message.Message) {
	entry := replycache.Entry{
		ClientID:      msg.Header.ClientID,
		RequestNumber: msg.Header.RequestNumber,
		Reply:         msg.Body,
	}
	if err := r.replyCache.Repair(ctx, msg.Header.ClientID, entry); err != nil {
		r.logger.Warn("vsr: reply repair install failed", "client_id", msg.Header.ClientID, "error", err)
		return
	}
	r.logger.Info("vsr: reply cache slot repaired from peer", "client_id", msg.Header.ClientID, "peer", msg.Header.ReplicaID)
}
