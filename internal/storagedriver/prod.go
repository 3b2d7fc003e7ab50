package storagedriver

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDriver is the production Driver: a single *os.File, pre-allocated to
// Layout.TotalSize(), written at sector-aligned offsets. It never reorders
// completions relative to submission because every operation here is
// synchronous from the caller's perspective (the replica event loop is the
// only caller, per the protocol, so this is safe despite looking blocking).
type FileDriver struct {
	file   *os.File
	layout Layout
}

// OpenFile opens (creating if necessary) the replica data file at path and
// extends it to layout's total size if it is smaller; a larger file is left
// at its current size.
func OpenFile(path string, layout Layout) (*FileDriver, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storagedriver: open %s: %w", path, err)
	}
	size := int64(layout.TotalSize())
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storagedriver: stat %s: %w", path, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("storagedriver: truncate %s to %d: %w", path, size, err)
		}
	}
	return &FileDriver{file: f, layout: layout}, nil
}

func (d *FileDriver) Read(ctx context.Context, zone Zone, offset uint64, buf []byte) Completion {
	abs, err := d.absolute(zone, offset, len(buf))
	if err != nil {
		return Completion{Fault: FaultRead, Err: err}
	}
	n, err := d.file.ReadAt(buf, int64(abs))
	if err != nil {
		return Completion{Fault: FaultRead, Err: err}
	}
	if n != len(buf) {
		return Completion{Fault: FaultRead, Err: fmt.Errorf("storagedriver: short read %d/%d", n, len(buf))}
	}
	return Completion{}
}

func (d *FileDriver) Write(ctx context.Context, zone Zone, offset uint64, buf []byte) Completion {
	abs, err := d.absolute(zone, offset, len(buf))
	if err != nil {
		return Completion{Fault: FaultWrite, Err: err}
	}
	n, err := d.file.WriteAt(buf, int64(abs))
	if err != nil {
		return Completion{Fault: FaultWrite, Err: err}
	}
	if n != len(buf) {
		return Completion{Fault: FaultWrite, Err: fmt.Errorf("storagedriver: short write %d/%d", n, len(buf))}
	}
	return Completion{}
}

func (d *FileDriver) Sync(ctx context.Context) Completion {
	if err := unix.Fdatasync(int(d.file.Fd())); err != nil {
		if err := d.file.Sync(); err != nil {
			return Completion{Fault: FaultWrite, Err: err}
		}
	}
	return Completion{}
}

func (d *FileDriver) Size() uint64 { return d.layout.TotalSize() }

func (d *FileDriver) Close() error { return d.file.Close() }

func (d *FileDriver) absolute(zone Zone, offset uint64, length int) (uint64, error) {
	start := d.layout.ZoneStart(zone)
	size := d.layout.ZoneSize(zone)
	if offset+uint64(length) > size {
		return 0, fmt.Errorf("storagedriver: access [%d,%d) exceeds zone %v size %d", offset, offset+uint64(length), zone, size)
	}
	return start + offset, nil
}
