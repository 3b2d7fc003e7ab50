package message

import "github.com/google/uuid"

// NewClientID generates a fresh client identity for a new session, folding
// a random UUID down into the uint64 the wire header carries. Collisions
// are astronomically unlikely for the same reason UUIDs are safe to mint
// without coordination; a replica only needs this value to be unique
// enough to key the reply cache and free-set session table, not globally
// unique in the UUID sense.
func NewClientID() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}
