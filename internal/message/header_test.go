package message

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		ClusterID:     42,
		View:          3,
		Op:            100,
		Commit:        99,
		RequestNumber: 7,
		ClientID:      555,
		Command:       CommandPrepare,
		Operation:     OperationStateMachineBase,
		Release:       1,
		ReplicaID:     2,
	}
	body := []byte("payload bytes")
	h.SetChecksums(body)

	buf := h.Encode()
	assert.Equal(t, len(buf), HeaderSize)

	decoded, err := DecodeHeader(buf)
	assert.NilError(t, err)
	assert.Equal(t, decoded.ClusterID, h.ClusterID)
	assert.Equal(t, decoded.Op, h.Op)
	assert.Equal(t, decoded.Command, h.Command)
	assert.NilError(t, decoded.Valid(body, 42))
}

func TestHeaderDetectsTornBody(t *testing.T) {
	h := Header{ClusterID: 1, Command: CommandPrepare}
	body := []byte("some payload that will be torn off")
	h.SetChecksums(body)

	assert.Assert(t, h.ValidHeader())

	torn := make([]byte, len(body)/2)
	copy(torn, body)
	assert.Assert(t, !h.ValidBody(torn))
	err := h.Valid(torn, 1)
	assert.ErrorContains(t, err, "size mismatch")
}

func TestHeaderRejectsUnknownCommand(t *testing.T) {
	h := Header{ClusterID: 1, Command: Command(250)}
	body := []byte("x")
	h.SetChecksums(body)
	err := h.Valid(body, 1)
	assert.ErrorContains(t, err, "unknown command")
}

func TestHeaderRejectsWrongCluster(t *testing.T) {
	h := Header{ClusterID: 1, Command: CommandPing}
	body := []byte("x")
	h.SetChecksums(body)
	err := h.Valid(body, 2)
	assert.ErrorContains(t, err, "cluster id mismatch")
}
