package vsr

import (
	"context"
	"fmt"

	"github.com/leengari/vsrdb/internal/message"
)

// upgradeBodySize is the fixed body of an upgrade prepare: the target
// release, little-endian.
const upgradeBodySize = 2

func encodeUpgradeBody(release uint16) []byte {
	body := make([]byte, upgradeBodySize)
	message.ByteOrder.PutUint16(body, release)
	return body
}

func decodeUpgradeBody(body []byte) (uint16, error) {
	if len(body) != upgradeBodySize {
		return 0, fmt.Errorf("vsr: upgrade body is %d bytes, want %d", len(body), upgradeBodySize)
	}
	return message.ByteOrder.Uint16(body), nil
}

// BeginUpgrade starts the cluster release upgrade to target: the primary
// pads the log forward to the next checkpoint with upgrade prepares, each
// announcing the target release; every replica that commits them installs
// the new release at that checkpoint. Only a primary may initiate, and
// only to a release its own binary carries.
func (r *Replica) BeginUpgrade(target uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isPrimaryLocked() {
		return ErrNotPrimary
	}
	if target <= r.release {
		return fmt.Errorf("vsr: upgrade target %d not newer than running release %d", target, r.release)
	}
	if target > r.releaseMax {
		return fmt.Errorf("%w: upgrade target %d, binary carries up to %d", ErrReleaseMismatch, target, r.releaseMax)
	}
	r.upgradeTarget = target
	r.maybeInjectUpgradeLocked(context.Background())
	return nil
}

// maybeInjectUpgradeLocked tops the pipeline up with upgrade prepares
// while an upgrade is underway, padding the log forward so that the bar
// ending at the next checkpoint trigger consists of upgrade ops. Called
// from BeginUpgrade and again after every commit, so injection keeps pace
// with the pipeline draining rather than overrunning it. Assumes r.mu is
// held.
func (r *Replica) maybeInjectUpgradeLocked(ctx context.Context) {
	if r.upgradeTarget == 0 || !r.isPrimaryLocked() {
		return
	}
	// Ops still needed before the checkpoint trigger, counting ops already
	// committed since the last checkpoint and ops in flight.
	inFlight := int(r.opHead - r.commitMin)
	needed := r.cfg.CheckpointInterval - r.checkpointOps - inFlight
	for needed > 0 && len(r.pending) < r.cfg.PipelinePrepareQueueMax {
		r.injectUpgradeLocked(ctx)
		needed--
	}
}

// injectUpgradeLocked appends one upgrade prepare to the log, exactly as
// onRequest does for a client op but with no client to answer. Assumes
// r.mu is held.
func (r *Replica) injectUpgradeLocked(ctx context.Context) {
	body := encodeUpgradeBody(r.upgradeTarget)
	op := r.opHead + 1
	header := message.Header{
		ClusterID:      r.clusterID,
		View:           r.view,
		Op:             op,
		Commit:         r.commitMax,
		Timestamp:      r.clk.Now().UnixNano(),
		ParentChecksum: r.parentChecksum,
		Release:        r.release,
		ReplicaID:      r.replicaID,
		Command:        message.CommandPrepare,
		Operation:      message.OperationUpgrade,
	}
	header.SetChecksums(body)

	tracker := &prepareTracker{header: header, body: body, votes: map[uint8]bool{r.replicaID: true}}
	r.pending[op] = tracker
	r.opHead = op
	r.parentChecksum = header.ChecksumHeader
	if r.abdicateSince.IsZero() {
		r.abdicateSince = r.clk.Now()
	}

	if err := r.writeAndJournal(ctx, header, body); err != nil {
		r.logger.Error("vsr: write upgrade prepare failed", "op", op, "error", err)
		return
	}
	r.transport.Broadcast(message.Message{Header: header, Body: body})
}

// commitUpgradeLocked records a committed upgrade op's announced release;
// the switch itself happens at the checkpoint that closes the bar, once
// the whole cluster has agreed the upgrade ops are durable. Assumes r.mu
// is held.
func (r *Replica) commitUpgradeLocked(op uint64, body []byte) {
	target, err := decodeUpgradeBody(body)
	if err != nil {
		r.logger.Error("vsr: malformed upgrade op", "op", op, "error", err)
		return
	}
	if target > r.pendingUpgrade {
		r.pendingUpgrade = target
		r.logger.Info("vsr: upgrade op committed, release switches at next checkpoint", "op", op, "target_release", target)
	}
}
