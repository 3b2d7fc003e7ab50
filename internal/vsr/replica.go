// Package vsr implements the replication protocol: a primary/backup
// event loop that turns a stream of client requests into a totally
// ordered, hash-chained log of prepares, replicated to a quorum before
// any reply is sent, with view changes for primary failover and a
// checkpoint/state-sync path for replicas that fall behind.
package vsr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leengari/vsrdb/internal/clock"
	"github.com/leengari/vsrdb/internal/config"
	"github.com/leengari/vsrdb/internal/grid"
	"github.com/leengari/vsrdb/internal/journal"
	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/replycache"
	"github.com/leengari/vsrdb/internal/statemachine"
	"github.com/leengari/vsrdb/internal/storagedriver"
	"github.com/leengari/vsrdb/internal/superblock"
	"github.com/leengari/vsrdb/internal/telemetry"
	"github.com/leengari/vsrdb/internal/walog"
)

// Transport is everything the replica event loop needs from the network:
// send to one named peer, or best-effort send to everyone currently
// reachable. internal/bus.Bus satisfies this directly; tests substitute
// an in-process fake that queues messages until the test pumps them.
type Transport interface {
	Send(replicaID uint8, msg message.Message) error
	Broadcast(msg message.Message)
}

// prepareTracker accumulates prepare_ok votes for one op while the
// primary waits for a quorum.
type prepareTracker struct {
	header  message.Header
	body    []byte
	replyFn func(message.Message) error // answers the client once this op commits; nil for a backup's own tracking, if any
	votes   map[uint8]bool
}

// Replica is one member of a cluster: it owns durable storage (the WAL,
// the superblock, the client-reply cache, the grid) and drives them
// through the replication protocol.
type Replica struct {
	mu sync.Mutex

	clusterID    uint64
	replicaID    uint8
	replicaCount int
	quorum       int
	release      uint16 // release currently running, per the superblock
	releaseMax   uint16 // newest release this binary carries
	standby      bool   // replicates and repairs, but never votes or leads

	status  Status
	view    uint32
	logView uint32

	opHead    uint64 // highest op this replica has prepared
	commitMin uint64 // highest op applied to the state machine
	commitMax uint64 // highest op known committed cluster-wide

	parentChecksum uint32 // checksum of the prepare at opHead, chained into the next prepare

	wal          *walog.WAL
	journal      *journal.Journal
	superblock   *superblock.Manager
	replyCache   *replycache.Cache
	grid         *grid.Grid
	gridExpected map[grid.Address]uint32
	scrubber     *grid.Scrubber
	sm           statemachine.StateMachine
	metrics      *telemetry.Metrics

	transport Transport
	clk       clock.Clock
	timers    config.Timers
	cfg       config.Replica
	logger    *slog.Logger

	pending      map[uint64]*prepareTracker // op -> tracker, primary only
	requestQueue []queuedRequest            // requests awaiting pipeline room, primary only

	startViewChangeVotes map[uint32]map[uint8]bool
	doViewChangeMsgs     map[uint32][]message.Message

	syncPending bool
	syncVotes   map[syncTargetKey]map[uint8]bool

	// abdicateSince is the time the oldest still-uncommitted prepare was
	// issued; zero while nothing is outstanding. A primary whose prepares
	// go unacknowledged past the abdicate timeout stops emitting
	// heartbeats so the backups can elect around it.
	abdicateSince time.Time

	// upgradeTarget is the release the primary is padding the log towards
	// (zero when no upgrade is underway); pendingUpgrade is the release a
	// committed upgrade op announced, installed at the next checkpoint.
	upgradeTarget  uint16
	pendingUpgrade uint16

	pingTimer       clock.Timer
	viewChangeTimer clock.Timer
	scrubTimer      clock.Timer
	repairTimer     clock.Timer
	checkpointOps   int // ops committed since the last checkpoint
}

// LayoutFor derives the fixed on-disk zone layout from a replica config.
// superblockCopySize is a format constant, not user-configurable, so it
// is not part of config.Replica.
func LayoutFor(cfg config.Replica) storagedriver.Layout {
	return storagedriver.Layout{
		SuperblockCopies:   cfg.SuperblockCopies,
		SuperblockCopySize: 4096,
		HeaderSize:         message.HeaderSize,
		SlotCount:          cfg.SlotCount,
		MessageSizeMax:     cfg.MessageSizeMax,
		ClientsMax:         cfg.ClientsMax,
		GridBlockSize:      cfg.GridBlockSize,
		GridBlocksMax:      cfg.GridBlocksMax,
	}
}

// Format initializes a fresh replica's storage by writing an empty
// superblock at sequence 1. It does not touch the log zones, so Open's
// subsequent Recover sees an empty log only when those zones are still
// zero-filled. Used once, by the `vsrdb format` command, before a
// replica ever calls Open.
func Format(ctx context.Context, driver storagedriver.Driver, cfg config.Replica) error {
	layout := LayoutFor(cfg)
	initial := superblock.Superblock{
		ClusterID: cfg.Cluster.ClusterID,
		ReplicaID: cfg.ReplicaID,
		Release:   cfg.Release,
	}
	_, err := superblock.Format(ctx, driver, layout, initial)
	return err
}

// Open attaches a Replica to already-formatted storage: it opens the
// superblock (picking the quorum-agreed working copy), recovers the WAL,
// seeds the journal from that recovery scan, and positions status
// according to what recovery found.
func Open(ctx context.Context, cfg config.Replica, driver storagedriver.Driver, sm statemachine.StateMachine, transport Transport, clk clock.Clock, logger *slog.Logger) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout := LayoutFor(cfg)

	sbMgr, err := superblock.Open(ctx, driver, layout)
	if err != nil {
		return nil, fmt.Errorf("vsr: open superblock: %w", err)
	}
	working := sbMgr.Working()
	if working.Release > cfg.Release {
		// The data file was last written by a newer release than this
		// binary carries; running would mean applying prepares whose
		// format this code does not have. The operator restarts with the
		// right binary.
		return nil, fmt.Errorf("%w: data file at release %d, binary at %d", ErrReleaseMismatch, working.Release, cfg.Release)
	}
	if working.Release == 0 {
		working.Release = cfg.Release
	}

	wal, err := walog.Open(driver, layout, walog.Config{
		SlotCount:               cfg.SlotCount,
		PipelinePrepareQueueMax: cfg.PipelinePrepareQueueMax,
		CheckpointInterval:      cfg.CheckpointInterval,
		MessageSizeMax:          cfg.MessageSizeMax,
	})
	if err != nil {
		return nil, fmt.Errorf("vsr: open wal: %w", err)
	}

	recovery, err := walog.Recover(ctx, wal)
	if err != nil {
		return nil, fmt.Errorf("vsr: recover wal: %w", err)
	}

	j := journal.New(cfg.SlotCount)
	j.LoadRecovery(recovery)

	status := StatusRecovering
	if recovery.HeadTorn {
		status = StatusRecoveringHead
	}

	var parentChecksum uint32
	if recovery.OpHead > 0 {
		if h, ok := j.HeaderForOp(recovery.OpHead); ok {
			parentChecksum = h.ChecksumHeader
		}
	}

	_, isStandby := cfg.Cluster.Standbys[cfg.ReplicaID]
	r := &Replica{
		clusterID:            cfg.Cluster.ClusterID,
		replicaID:            cfg.ReplicaID,
		replicaCount:         cfg.Cluster.ReplicaCount(),
		quorum:               cfg.Cluster.Quorum(),
		release:              working.Release,
		releaseMax:           cfg.Release,
		standby:              isStandby,
		status:               status,
		view:                 working.VSR.View,
		logView:              working.VSR.LogView,
		opHead:               recovery.OpHead,
		commitMin:            working.VSR.CommitMin,
		commitMax:            working.VSR.CommitMin,
		parentChecksum:       parentChecksum,
		wal:                  wal,
		journal:              j,
		superblock:           sbMgr,
		replyCache:           replycache.Open(driver, layout),
		grid:                 grid.Open(driver, layout),
		gridExpected:         make(map[grid.Address]uint32),
		sm:                   sm,
		metrics:              telemetry.Noop(),
		transport:            transport,
		clk:                  clk,
		timers:               cfg.Timers,
		cfg:                  cfg,
		logger:               logger.With("replica_id", cfg.ReplicaID),
		pending:              make(map[uint64]*prepareTracker),
		startViewChangeVotes: make(map[uint32]map[uint8]bool),
		doViewChangeMsgs:     make(map[uint32][]message.Message),
		syncVotes:            make(map[syncTargetKey]map[uint8]bool),
	}

	// If recovery found no tear, the log already matches commitMin, and
	// the on-disk view is one the log is authoritative for, the replica
	// can resume normal-status traffic immediately; it otherwise waits
	// for a start_view before trusting its head.
	if status == StatusRecovering && recovery.OpHead == working.VSR.CommitMin &&
		working.VSR.View == working.VSR.LogView {
		r.status = StatusNormal
	}

	if working.FreeSetRef != 0 {
		block, checksum, err := r.grid.ReadBlock(ctx, grid.Address(working.FreeSetRef))
		if err != nil {
			return nil, fmt.Errorf("vsr: load free-set snapshot: %w", err)
		}
		r.grid.FreeSet.Load(block[:cfg.GridBlocksMax+1])
		r.gridExpected[grid.Address(working.FreeSetRef)] = checksum
	}
	r.scrubber = grid.NewScrubber(r.grid, r, r.logger, cfg.ScrubBlocksPerTick, r.gridExpected)

	return r, nil
}

// StartTimers arms the ping, view-change (backups only), scrub and repair
// timers. Called once after
// Open, separated out so tests can drive a Replica without a live clock.
func (r *Replica) StartTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingTimer = r.clk.AfterFunc(r.timers.Ping, r.onPingTimer)
	if !r.isPrimaryLocked() && !r.standby {
		r.viewChangeTimer = r.clk.AfterFunc(r.timers.ViewChange, r.onViewChangeTimer)
	}
	r.scrubTimer = r.clk.AfterFunc(r.timers.Scrub, r.onScrubTimer)
	r.repairTimer = r.clk.AfterFunc(r.timers.Repair, r.onRepairTimer)
}

// onScrubTimer drives the grid's background integrity scan. A top-level
// entry point: acquires r.mu itself, unlike the onX handlers Deliver
// dispatches to.
func (r *Replica) onScrubTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariantsLocked()
	before := r.scrubber.FaultyCount()
	r.scrubber.Tick(context.Background())
	for _, addr := range r.scrubber.FaultyAddresses() {
		r.requestBlockRepair(addr)
	}
	for n := r.scrubber.FaultyCount(); n > before; n-- {
		r.metrics.RecordScrubFault(context.Background())
	}
	r.scrubTimer.Reset(r.timers.Scrub)
}

// onRepairTimer is the replica's housekeeping tick: a recovering replica
// keeps asking for the authoritative head, and a normal-status replica
// with dirty or missing slots below its head asks the primary for the
// canonical headers (and then the prepares) to fill them. A top-level
// entry point: acquires r.mu itself.
func (r *Replica) onRepairTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariantsLocked()
	r.repairTimer.Reset(r.timers.Repair)

	switch r.status {
	case StatusRecovering, StatusRecoveringHead:
		if r.primaryID() != r.replicaID {
			r.sendRequestStartViewLocked(r.primaryID())
		}
		return
	case StatusNormal:
	default:
		return
	}

	missing := r.journal.DirtyInRange(r.commitMin, r.opHead)
	if len(missing) == 0 {
		return
	}
	if r.primaryID() == r.replicaID {
		// The primary repairs from backups instead; pick any peer by
		// broadcasting the header request.
		h := r.buildControlLocked(message.CommandRequestHeaders)
		h.Header.Op = missing[0]
		h.Header.Commit = missing[len(missing)-1]
		h.Header.SetChecksums(nil)
		r.transport.Broadcast(h)
		return
	}
	h := r.buildControlLocked(message.CommandRequestHeaders)
	h.Header.Op = missing[0]
	h.Header.Commit = missing[len(missing)-1]
	h.Header.SetChecksums(nil)
	if err := r.transport.Send(r.primaryID(), h); err != nil {
		r.logger.Warn("vsr: request_headers send failed", "primary", r.primaryID(), "error", err)
	}
}

func (r *Replica) onPingTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariantsLocked()
	r.pingTimer.Reset(r.timers.Ping)

	if err := r.sm.Pulse(context.Background()); err != nil {
		r.logger.Warn("vsr: state machine pulse failed", "error", err)
	}

	// A primary whose outstanding prepares have gone unacknowledged past
	// the abdicate timeout goes silent instead of heartbeating: it can
	// evidently send but not hear, and its silence is what lets the
	// backups' view-change timers fire and elect around it.
	if r.isPrimaryLocked() && !r.abdicateSince.IsZero() &&
		r.clk.Now().Sub(r.abdicateSince) >= r.timers.PrimaryAbdicate {
		r.logger.Warn("vsr: primary abdicating, prepares unacknowledged past timeout", "view", r.view, "op_head", r.opHead)
		return
	}

	msg := r.buildControlLocked(message.CommandPing)
	r.transport.Broadcast(msg)
}

// Status returns the replica's current role.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// View returns the replica's current view number.
func (r *Replica) View() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// OpHead returns the highest op this replica has prepared.
func (r *Replica) OpHead() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opHead
}

// CommitMin returns the highest op applied to the state machine.
func (r *Replica) CommitMin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitMin
}

func (r *Replica) primaryID() uint8 {
	return uint8(r.view % uint32(r.replicaCount))
}

func (r *Replica) isPrimaryLocked() bool {
	return r.status == StatusNormal && r.primaryID() == r.replicaID
}

// IsPrimary reports whether this replica currently believes itself to be
// the primary for its view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrimaryLocked()
}

// SetMetrics replaces the replica's telemetry sink. A freshly opened
// Replica records against telemetry.Noop() until its caller (typically
// cmd/vsrdb, once it has set up a real exporter) calls this.
func (r *Replica) SetMetrics(m *telemetry.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// buildControlLocked constructs a zero-body control message (ping, or
// any other command whose meaning is carried entirely by the header)
// stamped with this replica's current view and identity.
func (r *Replica) buildControlLocked(cmd message.Command) message.Message {
	h := message.Header{
		ClusterID: r.clusterID,
		View:      r.view,
		Op:        r.opHead,
		Commit:    r.commitMax,
		Timestamp: r.clk.Now().UnixNano(),
		Release:   r.release,
		ReplicaID: r.replicaID,
		Command:   cmd,
	}
	h.SetChecksums(nil)
	return message.Message{Header: h, Body: nil}
}

// Deliver dispatches one inbound message to the handler appropriate for
// its command. Its signature matches internal/bus.Handler exactly, so a
// Bus can be wired directly to replica.Deliver; reply answers on the
// same connection the message arrived on, the only way to address a
// client back (a client has no replica id for Send/Broadcast to use).
//
// The replica's entire state -- journal, pipeline, view-change votes --
// is protected by one mutex held for the duration of whichever handler
// below runs, so only one message (or timer callback) is ever being
// processed at a time, matching the single-threaded contract
// internal/statemachine.StateMachine documents for its own methods.
func (r *Replica) Deliver(msg message.Message, reply func(message.Message) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.checkInvariantsLocked()
	// internal/bus returns msg.Body to its buffer pool as soon as Deliver
	// returns, while the pipeline and request queue keep bodies, so work
	// on a private copy.
	msg.Body = append([]byte(nil), msg.Body...)
	ctx := context.Background()
	switch msg.Header.Command {
	case message.CommandRequest:
		r.onRequest(ctx, msg, reply)
	case message.CommandPrepare:
		r.onPrepare(ctx, msg)
	case message.CommandPrepareOK:
		r.onPrepareOK(ctx, msg)
	case message.CommandCommit:
		r.onCommit(ctx, msg)
	case message.CommandStartViewChange:
		r.onStartViewChange(ctx, msg)
	case message.CommandDoViewChange:
		r.onDoViewChange(ctx, msg)
	case message.CommandStartView:
		r.onStartView(ctx, msg)
	case message.CommandRequestPrepare:
		r.onRequestPrepare(ctx, msg)
	case message.CommandRequestStartView:
		r.onRequestStartView(ctx, msg)
	case message.CommandRequestHeaders:
		r.onRequestHeaders(ctx, msg)
	case message.CommandHeaders:
		r.onHeaders(ctx, msg)
	case message.CommandRequestReply:
		r.onRequestReply(ctx, msg)
	case message.CommandReply:
		r.onReply(ctx, msg)
	case message.CommandRequestSyncCheckpoint:
		r.onRequestSyncCheckpoint(ctx, msg)
	case message.CommandSyncCheckpoint:
		r.onSyncCheckpoint(ctx, msg)
	case message.CommandRequestBlock:
		r.onRequestBlock(ctx, msg)
	case message.CommandBlock:
		r.onBlock(ctx, msg)
	case message.CommandPing:
		r.onPing(ctx, msg)
	case message.CommandPong:
		// Liveness only; no action beyond having reset the peer's own
		// view-change timer indirectly by virtue of this exchange.
	default:
		r.logger.Warn("vsr: dropping message with unhandled command", "command", msg.Header.Command)
	}
}

// onPing assumes r.mu is already held by Deliver. A primary's ping doubles
// as a commit heartbeat: its Commit field carries the cluster's commit
// high-water mark, so an idle backup still learns what is safe to apply.
func (r *Replica) onPing(ctx context.Context, msg message.Message) {
	pong := r.buildControlLocked(message.CommandPong)
	if err := r.transport.Send(msg.Header.ReplicaID, pong); err != nil {
		r.logger.Warn("vsr: pong send failed", "peer", msg.Header.ReplicaID, "error", err)
	}

	if msg.Header.View > r.view && r.status == StatusNormal {
		r.sendRequestStartViewLocked(msg.Header.ReplicaID)
		return
	}
	fromPrimary := msg.Header.View == r.view && msg.Header.ReplicaID == r.primaryID()
	if r.status == StatusRecovering || r.status == StatusRecoveringHead {
		// A recovering replica cannot trust its own head; the first sign
		// of a live primary is its cue to ask for the authoritative one.
		r.sendRequestStartViewLocked(msg.Header.ReplicaID)
		return
	}
	if fromPrimary && r.status == StatusNormal {
		// Only the primary's own heartbeat postpones an election.
		r.resetViewChangeTimerLocked()
		if msg.Header.Commit > r.commitMax {
			r.commitMax = msg.Header.Commit
		}
		r.applyUpTo(ctx, r.commitMax)
	}
}

// sendRequestStartViewLocked asks peer for a start_view describing the
// current view's authoritative head. Assumes r.mu is already held.
func (r *Replica) sendRequestStartViewLocked(peer uint8) {
	msg := r.buildControlLocked(message.CommandRequestStartView)
	if err := r.transport.Send(peer, msg); err != nil {
		r.logger.Warn("vsr: request_start_view send failed", "peer", peer, "error", err)
	}
}

// resetViewChangeTimerLocked reschedules the view-change timer, called
// whenever the replica hears from a primary it still trusts.
func (r *Replica) resetViewChangeTimerLocked() {
	if r.viewChangeTimer != nil {
		r.viewChangeTimer.Reset(r.timers.ViewChange)
	}
}

// ensureViewChangeTimerLocked arms (or re-arms) the view-change timer for
// a replica that is now a backup -- including a deposed primary that
// started life without one. Assumes r.mu is already held.
func (r *Replica) ensureViewChangeTimerLocked() {
	if r.standby || r.isPrimaryLocked() {
		return
	}
	if r.viewChangeTimer == nil {
		r.viewChangeTimer = r.clk.AfterFunc(r.timers.ViewChange, r.onViewChangeTimer)
		return
	}
	r.viewChangeTimer.Reset(r.timers.ViewChange)
}
