// Package replycache implements the client-reply cache: a fixed number of
// durable slots, one per concurrently active client session, addressed by
// (client_id, request_number), used to serve duplicate requests
// byte-identically without re-executing them (idempotence). Grounded on the
// per-table checksum verify-and-repair shape of a write-ahead log's
// checkpoint-verification recovery path.
package replycache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/leengari/vsrdb/internal/storagedriver"
)

// ErrSlotCorrupt is returned by Lookup when the slot a client occupies
// cannot be read back intact: the reply existed but is no longer
// trustworthy locally, and must be repaired from a peer (request_reply)
// rather than treated as absent.
var ErrSlotCorrupt = errors.New("replycache: slot corrupt")

func byteOrder() binary.ByteOrder { return binary.LittleEndian }

// Entry is one client's most recent reply.
type Entry struct {
	ClientID      uint64
	RequestNumber uint64
	Reply         []byte
	ReplyChecksum uint32
}

// Cache owns the ZoneClientReplies region: clients_max fixed slots.
type Cache struct {
	driver     storagedriver.Driver
	layout     storagedriver.Layout
	clientsMax int

	// slotOf maps a client id to the slot it currently occupies. A new
	// client session evicts the least-recently-used slot, matching the
	// "at most clients_max concurrent sessions" bound 
	slotOf map[uint64]int
	lru    []uint64 // slotOf's keys in least-to-most-recently-used order
}

// Open attaches a Cache to driver/layout with no sessions loaded. Callers
// that need to recover existing sessions should follow with LoadAll.
func Open(driver storagedriver.Driver, layout storagedriver.Layout) *Cache {
	return &Cache{
		driver:     driver,
		layout:     layout,
		clientsMax: layout.ClientsMax,
		slotOf:     make(map[uint64]int),
	}
}

// Lookup returns the cached reply for (clientID, requestNumber) if present.
// A request_number lower than the cached one means the client is retrying
// a stale request after a reply was already superseded; callers treat that
// as "no reply available" per the protocol ("duplicate request_numbers are
// served from cache" -- only the latest is kept).
func (c *Cache) Lookup(ctx context.Context, clientID, requestNumber uint64) (Entry, bool, error) {
	slot, ok := c.slotOf[clientID]
	if !ok {
		return Entry{}, false, nil
	}
	entry, valid, err := c.readSlot(ctx, slot)
	if err != nil {
		return Entry{}, false, err
	}
	if !valid {
		return Entry{}, false, ErrSlotCorrupt
	}
	if entry.ClientID != clientID || entry.RequestNumber != requestNumber {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Store durably records reply as the latest for clientID/requestNumber,
// evicting the least-recently-used session if clientID is new and the
// cache is full.
func (c *Cache) Store(ctx context.Context, clientID, requestNumber uint64, reply []byte) error {
	slot, ok := c.slotOf[clientID]
	if !ok {
		slot = c.assignSlot(clientID)
	}
	entry := Entry{ClientID: clientID, RequestNumber: requestNumber, Reply: reply, ReplyChecksum: crc32.ChecksumIEEE(reply)}
	return c.writeSlot(ctx, slot, entry)
}

func (c *Cache) assignSlot(clientID uint64) int {
	if len(c.slotOf) < c.clientsMax {
		slot := len(c.slotOf)
		c.slotOf[clientID] = slot
		c.lru = append(c.lru, clientID)
		return slot
	}
	// Evict the least-recently-used client.
	oldest := c.lru[0]
	slot := c.slotOf[oldest]
	delete(c.slotOf, oldest)
	c.lru = c.lru[1:]
	c.slotOf[clientID] = slot
	c.lru = append(c.lru, clientID)
	return slot
}

func (c *Cache) touch(clientID uint64) {
	for i, id := range c.lru {
		if id == clientID {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			c.lru = append(c.lru, clientID)
			return
		}
	}
}

const entryHeaderSize = 8 + 8 + 4 + 4 // clientID + requestNumber + checksum + bodyLen

func (c *Cache) writeSlot(ctx context.Context, slot int, entry Entry) error {
	off, err := c.layout.Offset(storagedriver.ZoneClientReplies, slot)
	if err != nil {
		return err
	}
	if uint64(entryHeaderSize+len(entry.Reply)) > c.layout.MessageSizeMax {
		return fmt.Errorf("replycache: reply too large for slot: %d bytes", len(entry.Reply))
	}
	buf := make([]byte, entryHeaderSize+len(entry.Reply))
	le := byteOrder()
	le.PutUint64(buf[0:8], entry.ClientID)
	le.PutUint64(buf[8:16], entry.RequestNumber)
	le.PutUint32(buf[16:20], entry.ReplyChecksum)
	le.PutUint32(buf[20:24], uint32(len(entry.Reply)))
	copy(buf[entryHeaderSize:], entry.Reply)

	if c2 := c.driver.Write(ctx, storagedriver.ZoneClientReplies, off, buf); !c2.Ok() {
		return fmt.Errorf("replycache: write slot %d: %w", slot, c2.Err)
	}
	c.touch(entry.ClientID)
	return nil
}

func (c *Cache) readSlot(ctx context.Context, slot int) (Entry, bool, error) {
	off, err := c.layout.Offset(storagedriver.ZoneClientReplies, slot)
	if err != nil {
		return Entry{}, false, err
	}
	header := make([]byte, entryHeaderSize)
	if rc := c.driver.Read(ctx, storagedriver.ZoneClientReplies, off, header); !rc.Ok() {
		return Entry{}, false, nil
	}
	le := byteOrder()
	clientID := le.Uint64(header[0:8])
	requestNumber := le.Uint64(header[8:16])
	checksum := le.Uint32(header[16:20])
	bodyLen := le.Uint32(header[20:24])
	if uint64(entryHeaderSize)+uint64(bodyLen) > c.layout.MessageSizeMax {
		return Entry{}, false, nil
	}
	body := make([]byte, bodyLen)
	if rc := c.driver.Read(ctx, storagedriver.ZoneClientReplies, off+entryHeaderSize, body); !rc.Ok() {
		return Entry{}, false, nil
	}
	if crc32.ChecksumIEEE(body) != checksum {
		return Entry{}, false, nil
	}
	return Entry{ClientID: clientID, RequestNumber: requestNumber, Reply: body, ReplyChecksum: checksum}, true, nil
}

// Repair installs a reply fetched from a peer (via request_reply) into
// slot, used when a local slot is found corrupt. The checksum is
// recomputed locally rather than trusted from the wire.
func (c *Cache) Repair(ctx context.Context, clientID uint64, entry Entry) error {
	slot, ok := c.slotOf[clientID]
	if !ok {
		slot = c.assignSlot(clientID)
	}
	entry.ReplyChecksum = crc32.ChecksumIEEE(entry.Reply)
	return c.writeSlot(ctx, slot, entry)
}
