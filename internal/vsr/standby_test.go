package vsr

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/vsrdb/internal/clock"
	"github.com/leengari/vsrdb/internal/config"
	"github.com/leengari/vsrdb/internal/statemachine"
	"github.com/leengari/vsrdb/internal/storagedriver"
)

// newStandbyCluster builds 3 voting replicas plus one standby at id 3.
func newStandbyCluster(t *testing.T) *testCluster {
	t.Helper()
	net := newTestNetwork()
	clk := clock.NewVirtual(time.Unix(0, 0))
	cluster := &testCluster{net: net, clk: clk}

	addrs := map[uint8]string{0: "unused", 1: "unused", 2: "unused"}
	standbys := map[uint8]string{3: "unused"}
	for i := 0; i < 4; i++ {
		cfg := config.Default(1, uint8(i), "unused")
		cfg.Cluster.ReplicaAddr = addrs
		cfg.Cluster.Standbys = standbys
		cfg.SlotCount = 64
		cfg.PipelinePrepareQueueMax = 4
		cfg.CheckpointInterval = 8
		cfg.MessageSizeMax = 4096
		cfg.ClientsMax = 8
		cfg.GridBlockSize = 64
		cfg.GridBlocksMax = 4
		assert.NilError(t, cfg.Validate())

		driver := storagedriver.NewFaultingDriver(LayoutFor(cfg))
		assert.NilError(t, Format(context.Background(), driver, cfg))
		r, err := Open(context.Background(), cfg, driver, statemachine.NewNullStateMachine(), &replicaTransport{net: net}, clk, discardLogger())
		assert.NilError(t, err)
		r.StartTimers()

		net.replicas[uint8(i)] = r
		cluster.replicas = append(cluster.replicas, r)
		cluster.drivers = append(cluster.drivers, driver)
		cluster.cfgs = append(cluster.cfgs, cfg)
	}
	return cluster
}

func TestStandbyReplicatesButNeverVotes(t *testing.T) {
	cluster := newStandbyCluster(t)
	standby := cluster.replicas[3]

	// The standby tracks the replicated log like any backup.
	cluster.commit(t, 100, 1, 2)
	assert.Equal(t, standby.CommitMin(), uint64(2))

	// With both voting backups gone, the standby's presence must not let
	// the primary reach a quorum.
	cluster.net.partition(1)
	cluster.net.partition(2)
	primary := cluster.replicas[0]
	primary.Deliver(requestMessage(100, 3, []byte("no quorum")), discardReply)
	cluster.net.pump(t)
	assert.Equal(t, primary.CommitMin(), uint64(2))
	assert.Equal(t, primary.OpHead(), uint64(3))
}

func TestStandbyNeverStartsViewChange(t *testing.T) {
	cluster := newStandbyCluster(t)
	standby := cluster.replicas[3]

	// Silence from the primary leaves the standby untriggered: it has no
	// view-change timer at all.
	cluster.advance(t, 1100*time.Millisecond)
	assert.Equal(t, standby.View(), cluster.replicas[1].View())
	assert.Assert(t, !standby.IsPrimary())
}
