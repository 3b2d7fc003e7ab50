package statemachine

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
)

func TestNullStateMachineEchoesCommitBody(t *testing.T) {
	ctx := context.Background()
	sm := NewNullStateMachine()

	assert.NilError(t, sm.Prefetch(ctx, 1, 0, []byte("x")))
	assert.NilError(t, sm.Prepare(ctx, 1, 0, []byte("x")))
	reply, err := sm.Commit(ctx, 1, 0, []byte("payload"))
	assert.NilError(t, err)
	assert.DeepEqual(t, reply, []byte("payload"))
}

func TestNullStateMachineCheckpointIDsIncrease(t *testing.T) {
	ctx := context.Background()
	sm := NewNullStateMachine()

	first, err := sm.Checkpoint(ctx)
	assert.NilError(t, err)
	second, err := sm.Checkpoint(ctx)
	assert.NilError(t, err)
	assert.Assert(t, second > first)
}
