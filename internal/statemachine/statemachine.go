// Package statemachine defines the contract between the replication core
// and the application state machine it replicates (the "forest" in the
// domain's own vocabulary). The state machine itself -- tables, indexes,
// the on-disk LSM structure -- is out of scope for this repository; only
// the interface the replica event loop drives it through lives here.
package statemachine

import (
	"context"
	"fmt"
)

// CheckpointID identifies a durable checkpoint taken by the state machine,
// stored in the superblock and compared across replicas during state sync.
type CheckpointID uint64

// StateMachine is driven exclusively by internal/vsr's replica event loop,
// which is single-threaded: every method below runs to completion before
// the next is invoked, so implementations need no internal locking against
// concurrent calls from this package.
type StateMachine interface {
	// Prefetch warms any state the machine will need to Prepare/Commit op,
	// without mutating anything. Called while a prepare is still in the
	// pipeline, ahead of commit, so I/O latency is hidden behind the
	// prepare_ok quorum wait.
	Prefetch(ctx context.Context, op uint64, operation uint8, body []byte) error

	// Prepare validates op against in-memory state and stages the change,
	// without making it visible to readers. Called once per op, in op
	// order, exactly once whether or not the replica is primary.
	Prepare(ctx context.Context, op uint64, operation uint8, body []byte) error

	// Commit makes a previously prepared op visible and returns the bytes
	// to send back to the client as the reply body. Called in strict op
	// order; a Commit for op implies every op below it has already
	// committed.
	Commit(ctx context.Context, op uint64, operation uint8, body []byte) (reply []byte, err error)

	// Checkpoint flushes all committed state durably to storage and
	// returns the identifier of the resulting checkpoint. Called when the
	// replica's commit number reaches a checkpoint trigger op.
	Checkpoint(ctx context.Context) (CheckpointID, error)

	// Pulse is called once per replica tick regardless of whether there is
	// any op to process, giving the state machine a place to do background
	// maintenance (e.g. compaction) bounded by the same tick budget as
	// in-protocol work.
	Pulse(ctx context.Context) error

	// SnapshotCheckpoint returns a self-contained blob capturing everything
	// needed to reconstruct state as of a previously returned checkpoint
	// id, for transfer to a replica that has fallen too far behind to
	// catch up by replaying individual ops. Returns an error if id is no
	// longer retained.
	SnapshotCheckpoint(ctx context.Context, id CheckpointID) ([]byte, error)

	// InstallCheckpoint discards all committed state and replaces it with
	// snapshot, previously produced by another replica's
	// SnapshotCheckpoint for the same id. Only called while this replica
	// is recovering via state sync, never during normal operation.
	InstallCheckpoint(ctx context.Context, id CheckpointID, snapshot []byte) error
}

// NullStateMachine is a no-op StateMachine used by internal/vsr's tests: it
// accepts every op, returns the op's own body as the reply, and checkpoints
// with a monotonically increasing id.
type NullStateMachine struct {
	nextCheckpoint CheckpointID
}

// NewNullStateMachine creates a NullStateMachine with no prior checkpoints.
func NewNullStateMachine() *NullStateMachine {
	return &NullStateMachine{nextCheckpoint: 1}
}

func (n *NullStateMachine) Prefetch(ctx context.Context, op uint64, operation uint8, body []byte) error {
	return nil
}

func (n *NullStateMachine) Prepare(ctx context.Context, op uint64, operation uint8, body []byte) error {
	return nil
}

func (n *NullStateMachine) Commit(ctx context.Context, op uint64, operation uint8, body []byte) ([]byte, error) {
	reply := make([]byte, len(body))
	copy(reply, body)
	return reply, nil
}

func (n *NullStateMachine) Checkpoint(ctx context.Context) (CheckpointID, error) {
	id := n.nextCheckpoint
	n.nextCheckpoint++
	return id, nil
}

func (n *NullStateMachine) Pulse(ctx context.Context) error { return nil }

func (n *NullStateMachine) SnapshotCheckpoint(ctx context.Context, id CheckpointID) ([]byte, error) {
	return []byte(fmt.Sprintf("checkpoint-%d", id)), nil
}

func (n *NullStateMachine) InstallCheckpoint(ctx context.Context, id CheckpointID, snapshot []byte) error {
	if id >= n.nextCheckpoint {
		n.nextCheckpoint = id + 1
	}
	return nil
}

var _ StateMachine = (*NullStateMachine)(nil)
