package bus

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/leengari/vsrdb/internal/message"
)

// writeMessage writes msg to w as Header || Body, with no length prefix of
// its own since Header.Size already carries the total length.
func writeMessage(w io.Writer, msg message.Message) error {
	if _, err := w.Write(msg.Header.Encode()); err != nil {
		return fmt.Errorf("bus: write header: %w", err)
	}
	if len(msg.Body) > 0 {
		if _, err := w.Write(msg.Body); err != nil {
			return fmt.Errorf("bus: write body: %w", err)
		}
	}
	return nil
}

// readMessage reads one Header || Body frame from r, using pool to borrow
// the body buffer. Callers must return the body to pool once done with it.
func readMessage(r io.Reader, pool *bufferPool, clusterID uint64) (message.Message, error) {
	headerBuf := make([]byte, message.HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return message.Message{}, fmt.Errorf("bus: read header: %w", err)
	}
	header, err := message.DecodeHeader(headerBuf)
	if err != nil {
		return message.Message{}, err
	}
	if header.Size < message.HeaderSize {
		return message.Message{}, fmt.Errorf("bus: header.Size %d smaller than HeaderSize", header.Size)
	}
	bodyLen := int(header.Size) - message.HeaderSize
	body := pool.get()
	if bodyLen > len(body) {
		body = make([]byte, bodyLen)
	} else {
		body = body[:bodyLen]
	}
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return message.Message{}, fmt.Errorf("bus: read body: %w", err)
		}
	}
	if err := header.Valid(body, clusterID); err != nil {
		return message.Message{}, err
	}
	return message.Message{Header: header, Body: body}, nil
}

// peerConn is one live TCP connection to another replica. A single
// goroutine owns the read side; writes are serialized with a mutex since
// multiple vsr goroutines may send to the same peer concurrently.
type peerConn struct {
	replicaID uint8
	conn      net.Conn

	writeMu sync.Mutex
}

func newPeerConn(replicaID uint8, conn net.Conn) *peerConn {
	return &peerConn{replicaID: replicaID, conn: conn}
}

func (p *peerConn) send(msg message.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeMessage(p.conn, msg)
}

func (p *peerConn) close() error {
	return p.conn.Close()
}
