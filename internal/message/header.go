// Package message implements the fixed-size wire header shared by every
// prepare, reply, and control message in the cluster.
package message

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ByteOrder is the byte order used for every on-disk and on-wire field.
var ByteOrder = binary.LittleEndian

// HeaderSize is the fixed size in bytes of a Header, padded so the layout
// never shifts across releases of the same major format version.
const HeaderSize = 128

// SizeMax bounds the total size (header + body) of any message on the wire
// or in a WAL slot.
const SizeMax = 1 << 20 // 1 MiB

// Header is the common envelope carried by every prepare, reply, and
// control message. Two independent checksums -- one over the
// header, one over the body -- let a torn write that zeroes the tail
// corrupt the body without invalidating the header, which is the signal
// used throughout internal/walog to detect torn prepares.
type Header struct {
	ChecksumHeader uint32 // CRC32 over the header with this field zeroed
	ChecksumBody   uint32 // CRC32 over the body
	ClusterID      uint64
	View           uint32
	Op             uint64
	Commit         uint64
	Timestamp      int64
	RequestNumber  uint64
	ClientID       uint64
	ParentChecksum uint32
	Size           uint32 // total size: HeaderSize + len(body)
	Command        Command
	Operation      Operation
	Release        uint16
	ReplicaID      uint8
	_              [1]byte // reserved, keeps the layout 8-byte aligned
}

// Encode serializes h into a HeaderSize-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.encodeInto(buf)
	return buf
}

func (h Header) encodeInto(buf []byte) {
	if len(buf) < HeaderSize {
		panic("message: header buffer too small")
	}
	ByteOrder.PutUint32(buf[0:4], h.ChecksumHeader)
	ByteOrder.PutUint32(buf[4:8], h.ChecksumBody)
	ByteOrder.PutUint64(buf[8:16], h.ClusterID)
	ByteOrder.PutUint32(buf[16:20], h.View)
	ByteOrder.PutUint64(buf[20:28], h.Op)
	ByteOrder.PutUint64(buf[28:36], h.Commit)
	ByteOrder.PutUint64(buf[36:44], uint64(h.Timestamp))
	ByteOrder.PutUint64(buf[44:52], h.RequestNumber)
	ByteOrder.PutUint64(buf[52:60], h.ClientID)
	ByteOrder.PutUint32(buf[60:64], h.ParentChecksum)
	ByteOrder.PutUint32(buf[64:68], h.Size)
	buf[68] = byte(h.Command)
	buf[69] = byte(h.Operation)
	ByteOrder.PutUint16(buf[70:72], h.Release)
	buf[72] = h.ReplicaID
	// remaining bytes up to HeaderSize stay zero (reserved).
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("message: short header: %d bytes", len(buf))
	}
	var h Header
	h.ChecksumHeader = ByteOrder.Uint32(buf[0:4])
	h.ChecksumBody = ByteOrder.Uint32(buf[4:8])
	h.ClusterID = ByteOrder.Uint64(buf[8:16])
	h.View = ByteOrder.Uint32(buf[16:20])
	h.Op = ByteOrder.Uint64(buf[20:28])
	h.Commit = ByteOrder.Uint64(buf[28:36])
	h.Timestamp = int64(ByteOrder.Uint64(buf[36:44]))
	h.RequestNumber = ByteOrder.Uint64(buf[44:52])
	h.ClientID = ByteOrder.Uint64(buf[52:60])
	h.ParentChecksum = ByteOrder.Uint32(buf[60:64])
	h.Size = ByteOrder.Uint32(buf[64:68])
	h.Command = Command(buf[68])
	h.Operation = Operation(buf[69])
	h.Release = ByteOrder.Uint16(buf[70:72])
	h.ReplicaID = buf[72]
	return h, nil
}

// computeHeaderChecksum computes the CRC32 of the header with
// ChecksumHeader zeroed, as required for the checksum to be self-consistent.
func computeHeaderChecksum(h Header) uint32 {
	h.ChecksumHeader = 0
	buf := h.Encode()
	return crc32.ChecksumIEEE(buf)
}

// SetChecksums stamps ChecksumBody and ChecksumHeader for the given body,
// and Size to reflect HeaderSize+len(body). Callers build a Header, fill in
// everything except the two checksums and Size, then call SetChecksums
// before handing the header to the WAL or the bus.
func (h *Header) SetChecksums(body []byte) {
	h.Size = uint32(HeaderSize + len(body))
	h.ChecksumBody = crc32.ChecksumIEEE(body)
	h.ChecksumHeader = computeHeaderChecksum(*h)
}

// ValidHeader reports whether the header's own checksum is self-consistent,
// independent of the body. A header can be valid while its body is
// corrupt -- that asymmetry is what lets internal/walog distinguish a torn
// prepare (valid header, invalid body) from a fully corrupt slot.
func (h Header) ValidHeader() bool {
	return h.ChecksumHeader == computeHeaderChecksum(h)
}

// ValidBody reports whether body matches the header's recorded checksum.
func (h Header) ValidBody(body []byte) bool {
	return h.ChecksumBody == crc32.ChecksumIEEE(body)
}

// Valid performs the full message-validity check: header checksum, body
// checksum, size bounds, and a known command. clusterID is
// the cluster this replica belongs to; messages from any other cluster are
// rejected outright.
func (h Header) Valid(body []byte, clusterID uint64) error {
	if h.ClusterID != clusterID {
		return fmt.Errorf("message: cluster id mismatch: got %d want %d", h.ClusterID, clusterID)
	}
	if !h.ValidHeader() {
		return fmt.Errorf("message: invalid header checksum")
	}
	if h.Size != uint32(HeaderSize+len(body)) {
		return fmt.Errorf("message: size mismatch: header says %d, have %d", h.Size, HeaderSize+len(body))
	}
	if h.Size > SizeMax {
		return fmt.Errorf("message: size %d exceeds SizeMax %d", h.Size, SizeMax)
	}
	if !h.ValidBody(body) {
		return fmt.Errorf("message: invalid body checksum")
	}
	if !h.Command.Known() {
		return fmt.Errorf("message: unknown command %d", h.Command)
	}
	return nil
}

// Message pairs a decoded Header with its body bytes. It is the unit
// exchanged by internal/bus and stored by internal/walog.
type Message struct {
	Header Header
	Body   []byte
}

// Checksum returns the header checksum, used as the message's identity for
// deduplication and hash-chain parent linking.
func (m Message) Checksum() uint32 {
	return m.Header.ChecksumHeader
}
