package vsr

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/vsrdb/internal/clock"
	"github.com/leengari/vsrdb/internal/config"
	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/statemachine"
	"github.com/leengari/vsrdb/internal/storagedriver"
	"github.com/leengari/vsrdb/internal/walog"
)

// nopTransport satisfies Transport for tests that open a single replica
// with no cluster behind it.
type nopTransport struct{}

func (nopTransport) Send(uint8, message.Message) error { return nil }
func (nopTransport) Broadcast(message.Message)         {}

func soloConfig() config.Replica {
	cfg := config.Default(1, 0, "unused")
	cfg.Cluster.ReplicaAddr = map[uint8]string{0: "a", 1: "b", 2: "c"}
	cfg.SlotCount = 64
	cfg.PipelinePrepareQueueMax = 4
	cfg.CheckpointInterval = 8
	cfg.MessageSizeMax = 4096
	cfg.ClientsMax = 8
	cfg.GridBlockSize = 64
	cfg.GridBlocksMax = 4
	return cfg
}

func openSolo(t *testing.T, cfg config.Replica, driver storagedriver.Driver) *Replica {
	t.Helper()
	r, err := Open(context.Background(), cfg, driver, statemachine.NewNullStateMachine(),
		nopTransport{}, clock.NewVirtual(time.Unix(0, 0)), discardLogger())
	assert.NilError(t, err)
	return r
}

// writeChainedPrepares writes ops [1, n] directly into the WAL with a
// valid hash chain, as if a primary had prepared them, and returns the
// headers in op order.
func writeChainedPrepares(t *testing.T, cfg config.Replica, driver storagedriver.Driver, n int) []message.Header {
	t.Helper()
	wal, err := walog.Open(driver, LayoutFor(cfg), walog.Config{
		SlotCount:               cfg.SlotCount,
		PipelinePrepareQueueMax: cfg.PipelinePrepareQueueMax,
		CheckpointInterval:      cfg.CheckpointInterval,
		MessageSizeMax:          cfg.MessageSizeMax,
	})
	assert.NilError(t, err)

	var parent uint32
	headers := make([]message.Header, 0, n)
	for op := uint64(1); op <= uint64(n); op++ {
		body := []byte{byte(op)}
		h := message.Header{
			ClusterID:      1,
			Op:             op,
			ParentChecksum: parent,
			Release:        1,
			Command:        message.CommandPrepare,
			Operation:      message.OperationStateMachineBase,
		}
		h.SetChecksums(body)
		assert.NilError(t, wal.WritePrepare(context.Background(), walog.SlotFor(op, cfg.SlotCount), h, body))
		parent = h.ChecksumHeader
		headers = append(headers, h)
	}
	return headers
}

func TestOpenFreshReplicaIsNormal(t *testing.T) {
	cfg := soloConfig()
	driver := storagedriver.NewFaultingDriver(LayoutFor(cfg))
	assert.NilError(t, Format(context.Background(), driver, cfg))

	r := openSolo(t, cfg, driver)
	assert.Equal(t, r.Status(), StatusNormal)
	assert.Equal(t, r.OpHead(), uint64(0))
	assert.Equal(t, r.CommitMin(), uint64(0))
	assert.Assert(t, r.IsPrimary())
}

func TestOpenWithUncommittedLogIsRecovering(t *testing.T) {
	cfg := soloConfig()
	driver := storagedriver.NewFaultingDriver(LayoutFor(cfg))
	assert.NilError(t, Format(context.Background(), driver, cfg))
	writeChainedPrepares(t, cfg, driver, 3)

	// The log runs ahead of the superblock's committed prefix: the
	// replica must not trust its head until a peer confirms it.
	r := openSolo(t, cfg, driver)
	assert.Equal(t, r.Status(), StatusRecovering)
	assert.Equal(t, r.OpHead(), uint64(3))
}

func TestOpenWithTornHeadIsRecoveringHead(t *testing.T) {
	cfg := soloConfig()
	layout := LayoutFor(cfg)
	driver := storagedriver.NewFaultingDriver(layout)
	assert.NilError(t, Format(context.Background(), driver, cfg))
	writeChainedPrepares(t, cfg, driver, 4)

	// Corrupt the body of op 4 as seen at recovery: the header ring's
	// entry stays valid, so the slot reads back dirty -- the torn-write
	// signature -- and op 4 sits right after the highest readable op.
	off, err := layout.Offset(storagedriver.ZoneWALPrepares, walog.SlotFor(4, cfg.SlotCount))
	assert.NilError(t, err)
	driver.InjectFault(storagedriver.FaultSpec{
		Zone:   storagedriver.ZoneWALPrepares,
		Offset: off,
		Length: cfg.MessageSizeMax,
		Kind:   storagedriver.FaultRead,
	})

	r := openSolo(t, cfg, driver)
	assert.Equal(t, r.Status(), StatusRecoveringHead)
}

func TestReopenAfterCheckpointKeepsCommittedPrefix(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.commit(t, 100, 1, 8) // exactly one checkpoint interval

	for _, r := range cluster.replicas {
		assert.Equal(t, r.CommitMin(), uint64(8))
	}

	// Restart replica 0 on its surviving storage: the superblock's
	// checkpoint carries the committed prefix across the crash.
	reopened := openSolo(t, cluster.cfgs[0], cluster.drivers[0])
	assert.Equal(t, reopened.CommitMin(), uint64(8))
	assert.Equal(t, reopened.OpHead(), uint64(8))
	assert.Equal(t, reopened.Status(), StatusNormal)
}

func TestCanNackOnlyWithoutHeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.commit(t, 100, 1, 3)

	backup := cluster.replicas[1]
	// Op 2 is held and committed: nacking it could truncate a committed
	// op during a view change.
	assert.Assert(t, !backup.CanNack(2))
	// Op 9 was never prepared anywhere: safe to assert its absence.
	assert.Assert(t, backup.CanNack(9))
}
