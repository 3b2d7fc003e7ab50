// Package config loads cluster and replica configuration. The canonical
// path to a running replica is a small number of flags (data directory,
// listen address, cluster membership file) rather than a sprawling config
// format; this package adds just enough structure to validate what those
// flags produce before a replica opens its storage.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Cluster describes the fixed membership of a VSR cluster: every voting
// replica's address indexed by replica id, plus any standbys. Standby ids
// start above the voting range (>= len(ReplicaAddr)) so primary selection
// (view mod replica count) can never land on one.
type Cluster struct {
	ClusterID   uint64           `json:"cluster_id"`
	ReplicaAddr map[uint8]string `json:"replica_addr"`
	Standbys    map[uint8]string `json:"standbys,omitempty"`
}

// ReplicaCount returns R, the number of voting replicas in the cluster.
func (c Cluster) ReplicaCount() int { return len(c.ReplicaAddr) }

// Quorum returns f+1, the smallest number of replicas whose agreement is
// sufficient, for a cluster tolerating f simultaneous faults.
func (c Cluster) Quorum() int {
	r := c.ReplicaCount()
	f := (r - 1) / 2
	return f + 1
}

// Validate checks that the cluster can tolerate at least one fault and
// that every replica id maps to a non-empty address.
func (c Cluster) Validate() error {
	if c.ReplicaCount() < 3 {
		return fmt.Errorf("config: cluster needs at least 3 replicas to tolerate any fault, got %d", c.ReplicaCount())
	}
	for id, addr := range c.ReplicaAddr {
		if addr == "" {
			return fmt.Errorf("config: replica %d has an empty address", id)
		}
	}
	return nil
}

// Timers bundles every duration the replica event loop's timer set is
// built from (internal/clock.Clock.AfterFunc calls).
type Timers struct {
	Ping             time.Duration `json:"ping"`
	Prepare          time.Duration `json:"prepare"`
	Commit           time.Duration `json:"commit"`
	ViewChange       time.Duration `json:"view_change"`
	PrimaryAbdicate  time.Duration `json:"primary_abdicate"`
	Repair           time.Duration `json:"repair"`
	Scrub            time.Duration `json:"scrub"`
}

// DefaultTimers returns the timer durations used when a replica's config
// file omits the `timers` section.
func DefaultTimers() Timers {
	return Timers{
		Ping:            100 * time.Millisecond,
		Prepare:         50 * time.Millisecond,
		Commit:          200 * time.Millisecond,
		ViewChange:      1 * time.Second,
		PrimaryAbdicate: 2 * time.Second,
		Repair:          100 * time.Millisecond,
		Scrub:           10 * time.Second,
	}
}

// Replica bundles everything one replica process needs: its identity
// within Cluster, its storage geometry, its pipeline bounds, and its
// timers.
type Replica struct {
	Cluster Cluster `json:"cluster"`

	ReplicaID uint8  `json:"replica_id"`
	DataFile  string `json:"data_file"`
	Release   uint16 `json:"release"`

	SuperblockCopies       int    `json:"superblock_copies"`
	SlotCount              int    `json:"slot_count"`
	MessageSizeMax         uint64 `json:"message_size_max"`
	ClientsMax             int    `json:"clients_max"`
	GridBlockSize          uint64 `json:"grid_block_size"`
	GridBlocksMax          int    `json:"grid_blocks_max"`
	PipelinePrepareQueueMax int   `json:"pipeline_prepare_queue_max"`
	PipelineRequestQueueMax int   `json:"pipeline_request_queue_max"`
	CheckpointInterval      int   `json:"checkpoint_interval"`
	ScrubBlocksPerTick      int   `json:"scrub_blocks_per_tick"`

	Timers Timers `json:"timers"`
}

// Default returns a Replica config with conservative defaults: a 4-copy
// superblock, a slot count comfortably larger than the pipeline depth
// plus a checkpoint interval, and the standard timer set.
func Default(clusterID uint64, replicaID uint8, dataFile string) Replica {
	return Replica{
		Cluster:                 Cluster{ClusterID: clusterID, ReplicaAddr: map[uint8]string{}},
		ReplicaID:               replicaID,
		DataFile:                dataFile,
		Release:                 1,
		SuperblockCopies:        4,
		SlotCount:               8192,
		MessageSizeMax:          1 << 20,
		ClientsMax:              4096,
		GridBlockSize:           1 << 20,
		GridBlocksMax:           1 << 20,
		PipelinePrepareQueueMax: 8,
		PipelineRequestQueueMax: 4,
		CheckpointInterval:      4096,
		ScrubBlocksPerTick:      16,
		Timers:                  DefaultTimers(),
	}
}

// Load reads a Replica config from a JSON file at path, applying Default
// values for anything the file omits.
func Load(path string, clusterID uint64, replicaID uint8, dataFile string) (Replica, error) {
	cfg := Default(clusterID, replicaID, dataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Replica{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Replica{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Replica{}, err
	}
	return cfg, nil
}

// Validate enforces the sizing invariants a replica's storage layout and
// pipeline depend on.
func (r Replica) Validate() error {
	if err := r.Cluster.Validate(); err != nil {
		return err
	}
	if r.SlotCount <= 0 || r.SlotCount&(r.SlotCount-1) != 0 {
		return fmt.Errorf("config: slot_count %d must be a power of two", r.SlotCount)
	}
	minSlots := r.PipelinePrepareQueueMax + r.CheckpointInterval
	if r.SlotCount <= minSlots {
		return fmt.Errorf("config: slot_count %d must exceed pipeline_prepare_queue_max+checkpoint_interval %d", r.SlotCount, minSlots)
	}
	if r.SuperblockCopies < 2 {
		return fmt.Errorf("config: superblock_copies %d must be at least 2", r.SuperblockCopies)
	}
	_, voting := r.Cluster.ReplicaAddr[r.ReplicaID]
	_, standby := r.Cluster.Standbys[r.ReplicaID]
	if len(r.Cluster.ReplicaAddr) > 0 && !voting && !standby {
		return fmt.Errorf("config: replica_id %d not present in cluster replica_addr or standbys", r.ReplicaID)
	}
	for id := range r.Cluster.Standbys {
		if int(id) < r.Cluster.ReplicaCount() {
			return fmt.Errorf("config: standby id %d collides with the voting id range [0, %d)", id, r.Cluster.ReplicaCount())
		}
	}
	return nil
}
