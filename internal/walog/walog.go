package walog

import (
	"context"
	"fmt"

	"github.com/leengari/vsrdb/internal/message"
	"github.com/leengari/vsrdb/internal/storagedriver"
)

// WAL is the on-disk write-ahead log: a header ring (internal/storagedriver
// zone ZoneWALHeaders) and a prepare region (ZoneWALPrepares), one fixed
// slot per entry in each. slot_count must be a power of two
// and must exceed pipeline_prepare_queue_max + vsr_checkpoint_interval so
// the current checkpoint's prepares are never overwritten before the next
// checkpoint is durable -- Open enforces this via Config.Validate.
type WAL struct {
	driver storagedriver.Driver
	layout storagedriver.Layout

	slotCount      int
	messageSizeMax uint64
}

// Config bundles the sizing constants a WAL is built from.
type Config struct {
	SlotCount              int
	PipelinePrepareQueueMax int
	CheckpointInterval     int
	MessageSizeMax         uint64
}

// Validate enforces the slot-count invariants documented on WAL.
func (c Config) Validate() error {
	if c.SlotCount <= 0 || c.SlotCount&(c.SlotCount-1) != 0 {
		return fmt.Errorf("walog: slot_count %d must be a power of two", c.SlotCount)
	}
	if c.SlotCount <= c.PipelinePrepareQueueMax+c.CheckpointInterval {
		return fmt.Errorf("walog: slot_count %d must exceed pipeline_prepare_queue_max(%d)+vsr_checkpoint_interval(%d)",
			c.SlotCount, c.PipelinePrepareQueueMax, c.CheckpointInterval)
	}
	return nil
}

// Open attaches a WAL to driver using layout for zone geometry. It performs
// no recovery scan by itself -- call Recover for that. "open" and "recovery
// scan" are kept as distinct steps so a superblock-driven caller can decide
// whether a scan is needed.
func Open(driver storagedriver.Driver, layout storagedriver.Layout, cfg Config) (*WAL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if layout.SlotCount != cfg.SlotCount {
		return nil, fmt.Errorf("walog: layout.SlotCount %d != cfg.SlotCount %d", layout.SlotCount, cfg.SlotCount)
	}
	return &WAL{
		driver:         driver,
		layout:         layout,
		slotCount:      cfg.SlotCount,
		messageSizeMax: cfg.MessageSizeMax,
	}, nil
}

// SlotCount returns the number of fixed slots in the log.
func (w *WAL) SlotCount() int { return w.slotCount }

// WritePrepare writes a prepare's body then its header, in that order, so
// that a crash between the two writes leaves a header whose body checksum
// cannot match -- the torn-write signal the design relies on. slot must
// equal SlotFor(header.Op, w.slotCount).
func (w *WAL) WritePrepare(ctx context.Context, slot int, header message.Header, body []byte) error {
	if slot != SlotFor(header.Op, w.slotCount) {
		return fmt.Errorf("walog: slot %d does not match op %d mod %d", slot, header.Op, w.slotCount)
	}
	if uint64(message.HeaderSize+len(body)) > w.messageSizeMax {
		return errTooLarge(message.HeaderSize+len(body), int(w.messageSizeMax))
	}

	bodyOff, err := w.layout.Offset(storagedriver.ZoneWALPrepares, slot)
	if err != nil {
		return fmt.Errorf("walog: prepare offset: %w", err)
	}
	// Body first, header last: a crash between the two writes leaves a
	// header ring entry that cannot be produced yet (still the old
	// header, or none), never a header pointing at a body that was never
	// written -- this is the ordering the design relies on to make "valid
	// header, invalid body" the exclusive signature of a torn write.
	if c := w.driver.Write(ctx, storagedriver.ZoneWALPrepares, bodyOff, body); !c.Ok() {
		return fmt.Errorf("walog: write prepare body at slot %d: %w", slot, c.Err)
	}

	headerBuf := header.Encode()
	headerOff, err := w.layout.Offset(storagedriver.ZoneWALHeaders, slot)
	if err != nil {
		return fmt.Errorf("walog: header offset: %w", err)
	}
	if c := w.driver.Write(ctx, storagedriver.ZoneWALHeaders, headerOff, headerBuf); !c.Ok() {
		return fmt.Errorf("walog: write header ring at slot %d: %w", slot, c.Err)
	}
	return nil
}

// ReadPrepare reads the prepare stored at slot and verifies it against the
// header ring's copy. It returns (message, SlotOK, nil) when the slot holds
// a valid prepare, or a zero message with SlotDirty, SlotFaulty or
// SlotEmpty otherwise; err is non-nil only when slot has no offset.
func (w *WAL) ReadPrepare(ctx context.Context, slot int) (message.Message, SlotStatus, error) {
	headerOff, err := w.layout.Offset(storagedriver.ZoneWALHeaders, slot)
	if err != nil {
		return message.Message{}, SlotFaulty, err
	}
	headerBuf := make([]byte, message.HeaderSize)
	if c := w.driver.Read(ctx, storagedriver.ZoneWALHeaders, headerOff, headerBuf); !c.Ok() {
		return message.Message{}, SlotFaulty, nil
	}
	if allZero(headerBuf) {
		// Never written: a zeroed slot is the formatted state, not
		// corruption.
		return message.Message{}, SlotEmpty, nil
	}
	header, err := message.DecodeHeader(headerBuf)
	if err != nil {
		return message.Message{}, SlotFaulty, nil
	}
	if !header.ValidHeader() {
		return message.Message{}, SlotFaulty, nil
	}

	bodyLen := int(header.Size) - message.HeaderSize
	if bodyLen < 0 || uint64(header.Size) > w.messageSizeMax {
		return message.Message{}, SlotFaulty, nil
	}

	prepOff, err := w.layout.Offset(storagedriver.ZoneWALPrepares, slot)
	if err != nil {
		return message.Message{}, SlotFaulty, err
	}
	body := make([]byte, bodyLen)
	if c := w.driver.Read(ctx, storagedriver.ZoneWALPrepares, prepOff, body); !c.Ok() {
		return message.Message{}, SlotDirty, nil
	}
	if !header.ValidBody(body) {
		// Header is intact but body does not match: a torn write,
		// recovered as "dirty" rather than "faulty" because the header
		// itself (and hence the op's identity and parent checksum) is
		// still trustworthy.
		return message.Message{}, SlotDirty, nil
	}
	return message.Message{Header: header, Body: body}, SlotOK, nil
}

// RepairHeader overwrites only the header ring entry for slot, without
// touching the prepare body. It is used when a peer supplies a canonical
// header for a slot this replica could not otherwise validate.
func (w *WAL) RepairHeader(ctx context.Context, slot int, header message.Header) error {
	headerOff, err := w.layout.Offset(storagedriver.ZoneWALHeaders, slot)
	if err != nil {
		return err
	}
	if c := w.driver.Write(ctx, storagedriver.ZoneWALHeaders, headerOff, header.Encode()); !c.Ok() {
		return fmt.Errorf("walog: repair header at slot %d: %w", slot, c.Err)
	}
	return nil
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// Sync fsyncs all writes submitted so far.
func (w *WAL) Sync(ctx context.Context) error {
	if c := w.driver.Sync(ctx); !c.Ok() {
		return fmt.Errorf("walog: sync: %w", c.Err)
	}
	return nil
}
