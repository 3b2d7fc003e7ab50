package grid

import (
	"context"
	"log/slog"
)

// PeerFetcher supplies a block from some other replica once the local copy
// is found faulty. Any replica whose copy hashes to the expected checksum
// is a valid source.
type PeerFetcher interface {
	FetchBlock(ctx context.Context, id BlockID) ([]byte, error)
}

// rateLimiter is a minimal token bucket bounding how many blocks the
// scrubber verifies per tick, implemented inline in an allocation-free
// style rather than imported, since no rate-limiting package is otherwise
// wired into this module (see DESIGN.md).
type rateLimiter struct {
	tokens   int
	capacity int
}

func newRateLimiter(capacity int) *rateLimiter {
	return &rateLimiter{tokens: capacity, capacity: capacity}
}

func (r *rateLimiter) refill() { r.tokens = r.capacity }

func (r *rateLimiter) take() bool {
	if r.tokens <= 0 {
		return false
	}
	r.tokens--
	return true
}

// Scrubber iterates every live grid block at a bounded rate, verifying its
// checksum against the address/checksum pair recorded for it, and enqueues
// a peer repair on mismatch. Progress is monotone: under no new faults,
// FaultyCount never increases.
type Scrubber struct {
	grid      *Grid
	peers     PeerFetcher
	logger    *slog.Logger
	limiter   *rateLimiter
	liveIndex int // cursor into FreeSet.LiveAddresses(), for round-robin coverage
	expected  map[Address]uint32
	faulty    map[Address]bool
}

// NewScrubber creates a Scrubber that checks up to blocksPerTick live
// blocks every time Tick is called. expected is the address->checksum map
// the owning table/forest maintains (the ground truth a block is compared
// against).
func NewScrubber(g *Grid, peers PeerFetcher, logger *slog.Logger, blocksPerTick int, expected map[Address]uint32) *Scrubber {
	return &Scrubber{
		grid:     g,
		peers:    peers,
		logger:   logger,
		limiter:  newRateLimiter(blocksPerTick),
		expected: expected,
		faulty:   make(map[Address]bool),
	}
}

// Tick is called once per scrub timer firing (internal/clock.Timer's
// `scrub` timer). It verifies up to blocksPerTick live blocks and repairs
// any newly discovered fault it can via peers.
func (s *Scrubber) Tick(ctx context.Context) {
	s.limiter.refill()
	live := s.grid.FreeSet.LiveAddresses()
	if len(live) == 0 {
		return
	}
	for s.limiter.take() {
		if s.liveIndex >= len(live) {
			s.liveIndex = 0
		}
		addr := live[s.liveIndex]
		s.liveIndex++
		s.verify(ctx, addr)
		if s.liveIndex >= len(live) {
			break
		}
	}
}

func (s *Scrubber) verify(ctx context.Context, addr Address) {
	checksum, ok := s.expected[addr]
	if !ok {
		return
	}
	id := BlockID{Address: addr, Checksum: checksum}
	_, err := s.grid.Read(ctx, id)
	if err == nil {
		if s.faulty[addr] {
			delete(s.faulty, addr)
			s.logger.Info("grid: scrub healed block", "address", addr)
		}
		return
	}
	if !s.faulty[addr] {
		s.faulty[addr] = true
		s.logger.Warn("grid: scrub found faulty block", "address", addr, "error", err)
	}
	s.repair(ctx, id)
}

func (s *Scrubber) repair(ctx context.Context, id BlockID) {
	if s.peers == nil {
		return
	}
	block, err := s.peers.FetchBlock(ctx, id)
	if err != nil {
		s.logger.Warn("grid: scrub repair fetch failed", "address", id.Address, "error", err)
		return
	}
	if err := s.grid.Repair(ctx, id, block); err != nil {
		s.logger.Warn("grid: scrub repair install failed", "address", id.Address, "error", err)
		return
	}
	delete(s.faulty, id.Address)
	s.logger.Info("grid: scrub repaired block", "address", id.Address)
}

// FaultyCount returns the number of blocks currently believed faulty.
// Tests assert this is monotonically non-increasing absent new injected
// faults.
func (s *Scrubber) FaultyCount() int { return len(s.faulty) }

// FaultyAddresses returns every address currently believed faulty, for a
// caller (internal/vsr) that drives repair itself rather than relying on
// a synchronous PeerFetcher -- a request sent over the network can't be
// satisfied within one Tick call.
func (s *Scrubber) FaultyAddresses() []Address {
	out := make([]Address, 0, len(s.faulty))
	for addr := range s.faulty {
		out = append(out, addr)
	}
	return out
}

// ClearFault marks addr healed without going through verify, for a caller
// that has just installed a peer-supplied repair out of band (asynchronously,
// once a reply arrives rather than inline within Tick).
func (s *Scrubber) ClearFault(addr Address) {
	delete(s.faulty, addr)
}
