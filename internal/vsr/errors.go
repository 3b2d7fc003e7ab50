package vsr

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation is returned by internal assertion helpers when a
// message or local state violates a protocol invariant that should be
// impossible under a correct peer -- callers should drop the message
// (or, for a local check, treat it as a bug) rather than retry.
var ErrInvariantViolation = errors.New("vsr: invariant violation")

// ErrNotPrimary is returned when an operation that only the primary may
// perform (accepting a client request) is attempted by a backup.
var ErrNotPrimary = errors.New("vsr: replica is not primary for its view")

// ErrViewChangeInProgress is returned when a client request arrives while
// the replica cannot yet serve normal-status traffic.
var ErrViewChangeInProgress = errors.New("vsr: view change in progress")

// ErrReleaseMismatch is returned when the data file (or an upgrade
// target) requires a release this binary does not carry. The process
// exits cleanly so the operator can restart it with the right binary.
var ErrReleaseMismatch = errors.New("vsr: release not carried by this binary")

// errOpNotReady reports that op cannot yet be read back whole from the
// local log -- it is missing, dirty, or faulty -- and must be repaired
// from a peer before it can be applied.
func errOpNotReady(op uint64) error {
	return fmt.Errorf("vsr: op %d not ready in local log", op)
}
