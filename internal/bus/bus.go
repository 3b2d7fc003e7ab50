// Package bus implements the replica-to-replica and client-to-replica
// transport: a typed, versioned, checksummed message envelope sent over
// long-lived TCP connections. It generalizes a line-oriented REPL server
// (one goroutine per connection, accept loop on a net.Listener) to a
// length-prefixed binary protocol where the length prefix is simply the
// header's own Size field.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/leengari/vsrdb/internal/message"
)

// Handler is invoked once per received message, on the connection's own
// read goroutine. reply sends a message back on the same connection the
// request arrived on -- the only way to answer a client, which has no
// replica id to address with Send. Implementations (internal/vsr) must
// not block for long, since a slow handler stalls that one peer's read
// loop only -- other peers are unaffected, since each has its own
// goroutine.
type Handler func(msg message.Message, reply func(message.Message) error)

// Bus owns the listening socket, the set of live peer connections, and the
// buffer pool they share.
type Bus struct {
	clusterID uint64
	pool      *bufferPool
	handler   Handler
	logger    *slog.Logger

	mu    sync.Mutex
	peers map[uint8]*peerConn

	listener net.Listener
}

// New creates a Bus that validates inbound messages against clusterID and
// dispatches them to handler. messageSizeMax bounds the buffer pool's
// per-message allocation.
func New(clusterID uint64, messageSizeMax int, handler Handler, logger *slog.Logger) *Bus {
	return &Bus{
		clusterID: clusterID,
		pool:      newBufferPool(messageSizeMax),
		handler:   handler,
		logger:    logger,
		peers:     make(map[uint8]*peerConn),
	}
}

// Listen binds addr and starts accepting inbound connections in the
// background. Every accepted connection is treated as an anonymous peer
// until its first message reveals its replica id.
func (b *Bus) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bus: listen %s: %w", addr, err)
	}
	b.listener = ln
	go b.acceptLoop(ln)
	return nil
}

func (b *Bus) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			b.logger.Error("bus: accept failed", "error", err)
			return
		}
		go b.serve(conn, nil)
	}
}

// serve owns the read side of conn. pre is non-nil when the connection was
// opened by Dial (so its peer identity, and hence its peerConn, is already
// known); it is nil for an accepted connection, whose peer identity (if
// any -- a client connection never announces one) is learned from the
// first non-request message it sends.
func (b *Bus) serve(conn net.Conn, pre *peerConn) {
	defer conn.Close()
	local := pre
	if local == nil {
		local = newPeerConn(0, conn)
	}
	known := pre != nil
	var identified uint8
	if known {
		identified = pre.replicaID
	}
	for {
		msg, err := readMessage(conn, b.pool, b.clusterID)
		if err != nil {
			if known {
				b.logger.Warn("bus: connection closed", "replica_id", identified, "error", err)
				b.removePeer(identified, conn)
			} else {
				b.logger.Warn("bus: connection closed before handshake", "error", err)
			}
			return
		}
		// A client never announces a replica id -- only inter-replica
		// commands do, and only those connections get tracked in peers
		// (and hence become reachable via Send/Broadcast).
		if !known && msg.Header.Command != message.CommandRequest {
			identified = msg.Header.ReplicaID
			known = true
			local.replicaID = identified
			b.addPeerConn(identified, local)
		}
		b.handler(msg, local.send)
		b.pool.put(msg.Body)
	}
}

func (b *Bus) addPeerConn(replicaID uint8, p *peerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[replicaID] = p
}

func (b *Bus) removePeer(replicaID uint8, conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[replicaID]; ok && p.conn == conn {
		delete(b.peers, replicaID)
	}
}

// Dial opens an outbound connection to a peer at addr, identifying it as
// replicaID for future Send calls, and starts reading its replies on a new
// goroutine exactly like an inbound connection.
func (b *Bus) Dial(ctx context.Context, replicaID uint8, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bus: dial %s: %w", addr, err)
	}
	pc := newPeerConn(replicaID, conn)
	b.addPeerConn(replicaID, pc)
	go b.serve(conn, pc)
	return nil
}

// Send delivers msg to the named peer, returning an error if no connection
// to it is currently open. Send never dials; the peer becomes reachable
// again only through a new Dial or an inbound connection from it.
func (b *Bus) Send(replicaID uint8, msg message.Message) error {
	b.mu.Lock()
	p, ok := b.peers[replicaID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus: no connection to replica %d", replicaID)
	}
	return p.send(msg)
}

// Broadcast sends msg to every currently connected peer, skipping (and not
// failing on) any that are not reachable.
func (b *Bus) Broadcast(msg message.Message) {
	b.mu.Lock()
	targets := make([]*peerConn, 0, len(b.peers))
	for _, p := range b.peers {
		targets = append(targets, p)
	}
	b.mu.Unlock()
	for _, p := range targets {
		if err := p.send(msg); err != nil {
			b.logger.Warn("bus: broadcast send failed", "replica_id", p.replicaID, "error", err)
		}
	}
}

// Connected reports whether a connection to replicaID is currently open.
func (b *Bus) Connected(replicaID uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.peers[replicaID]
	return ok
}

// Close shuts down the listener and every open peer connection.
func (b *Bus) Close() error {
	if b.listener != nil {
		b.listener.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.peers {
		p.close()
		delete(b.peers, id)
	}
	return nil
}
