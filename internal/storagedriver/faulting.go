package storagedriver

import (
	"context"
	"fmt"
)

// FaultSpec describes a single injected fault at a fixed (zone, offset)
// location, consumed the next time that exact range is touched.
type FaultSpec struct {
	Zone       Zone
	Offset     uint64
	Length     uint64
	Kind       FaultKind
	// Torn, when Kind == FaultWrite, truncates the write to TornBytes
	// instead of failing it outright -- modeling the design's "writes may
	// be torn at sector granularity" rather than a hard I/O error.
	Torn      bool
	TornBytes int
}

// FaultingDriver is an in-memory Driver used by tests to deterministically
// inject the read/write faults and torn writes the replication core must
// tolerate. It never touches the real filesystem, which is the
// "deterministic simulation" substrate the design asks for.
type FaultingDriver struct {
	layout Layout
	data   map[Zone][]byte
	faults []FaultSpec
}

// NewFaultingDriver creates a zeroed in-memory backing store shaped like
// layout.
func NewFaultingDriver(layout Layout) *FaultingDriver {
	d := &FaultingDriver{layout: layout, data: make(map[Zone][]byte)}
	for _, z := range []Zone{ZoneSuperblock, ZoneWALHeaders, ZoneWALPrepares, ZoneClientReplies, ZoneGrid} {
		d.data[z] = make([]byte, layout.ZoneSize(z))
	}
	return d
}

// InjectFault arms a one-shot fault at the given location. It is consumed
// the next time a Read or Write overlaps [Offset, Offset+Length).
func (d *FaultingDriver) InjectFault(f FaultSpec) {
	d.faults = append(d.faults, f)
}

func (d *FaultingDriver) takeFault(zone Zone, offset, length uint64) (FaultSpec, bool) {
	for i, f := range d.faults {
		if f.Zone != zone {
			continue
		}
		if offset < f.Offset+f.Length && f.Offset < offset+length {
			d.faults = append(d.faults[:i], d.faults[i+1:]...)
			return f, true
		}
	}
	return FaultSpec{}, false
}

func (d *FaultingDriver) Read(ctx context.Context, zone Zone, offset uint64, buf []byte) Completion {
	zoneBuf, ok := d.data[zone]
	if !ok {
		return Completion{Fault: FaultRead, Err: fmt.Errorf("storagedriver: unknown zone %v", zone)}
	}
	if offset+uint64(len(buf)) > uint64(len(zoneBuf)) {
		return Completion{Fault: FaultRead, Err: fmt.Errorf("storagedriver: read out of range")}
	}
	if f, hit := d.takeFault(zone, offset, uint64(len(buf))); hit && f.Kind == FaultRead {
		// Corrupt the buffer and also report the fault: callers that
		// ignore the completion still see bytes that fail their checksum,
		// matching the "reads may return stale data or corrupt bytes"
		// fault model the driver promises to be truthful about.
		for i := range buf {
			buf[i] = 0xFF
		}
		return Completion{Fault: FaultRead, Err: fmt.Errorf("storagedriver: injected read fault")}
	}
	copy(buf, zoneBuf[offset:offset+uint64(len(buf))])
	return Completion{}
}

func (d *FaultingDriver) Write(ctx context.Context, zone Zone, offset uint64, buf []byte) Completion {
	zoneBuf, ok := d.data[zone]
	if !ok {
		return Completion{Fault: FaultWrite, Err: fmt.Errorf("storagedriver: unknown zone %v", zone)}
	}
	if offset+uint64(len(buf)) > uint64(len(zoneBuf)) {
		return Completion{Fault: FaultWrite, Err: fmt.Errorf("storagedriver: write out of range")}
	}
	if f, hit := d.takeFault(zone, offset, uint64(len(buf))); hit && f.Kind == FaultWrite {
		if f.Torn {
			n := f.TornBytes
			if n > len(buf) {
				n = len(buf)
			}
			copy(zoneBuf[offset:offset+uint64(n)], buf[:n])
			return Completion{Fault: FaultWrite, Err: fmt.Errorf("storagedriver: injected torn write (%d/%d bytes)", n, len(buf))}
		}
		return Completion{Fault: FaultWrite, Err: fmt.Errorf("storagedriver: injected write fault")}
	}
	copy(zoneBuf[offset:offset+uint64(len(buf))], buf)
	return Completion{}
}

func (d *FaultingDriver) Sync(ctx context.Context) Completion { return Completion{} }

func (d *FaultingDriver) Size() uint64 { return d.layout.TotalSize() }

func (d *FaultingDriver) Close() error { return nil }

var _ Driver = (*FaultingDriver)(nil)
var _ Driver = (*FileDriver)(nil)
