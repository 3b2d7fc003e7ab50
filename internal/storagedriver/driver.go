package storagedriver

import "context"

// FaultKind classifies the outcome of a storage completion.
type FaultKind uint8

const (
	// FaultNone means the operation completed successfully.
	FaultNone FaultKind = iota
	// FaultRead means a read returned zeros, stale data, or bytes that
	// failed a checksum the caller verified.
	FaultRead
	// FaultWrite means a write was torn at sector granularity, or the
	// underlying medium reported an I/O error.
	FaultWrite
)

// Completion is reported to a Driver caller once a submitted operation
// finishes. It never reorders relative to other completions submitted to
// the same zone.
type Completion struct {
	Fault FaultKind
	Err   error
}

func (c Completion) Ok() bool { return c.Fault == FaultNone && c.Err == nil }

// Driver is the contract every replica stores through. Production code
// wraps a real file descriptor; tests wrap an in-memory fault-injecting
// driver (FaultingDriver), so the whole replica can run as a deterministic
// simulation with no real clock or filesystem involved.
type Driver interface {
	// Read fills buf from the given zone at the given byte offset.
	Read(ctx context.Context, zone Zone, offset uint64, buf []byte) Completion
	// Write persists buf to the given zone at the given byte offset.
	Write(ctx context.Context, zone Zone, offset uint64, buf []byte) Completion
	// Sync is the fsync-equivalent: it returns only once every Write
	// submitted to the driver before this call is durable.
	Sync(ctx context.Context) Completion
	// Size returns the allocated size of the backing file.
	Size() uint64
	// Close releases the underlying resource.
	Close() error
}
