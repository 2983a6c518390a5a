// Package model holds the canonical in-memory tree: node identity, the
// filename codec, and the Tree Store that indexes the forest by id, path,
// and parent.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ID is a stable, opaque node identifier: 32 lowercase hex characters
// generated from a random 128-bit source. Neither a hyphenated UUID nor a
// timestamp-prefixed ULID matches this wire shape, so identifiers are
// generated directly on crypto/rand rather than through a third-party ID
// library.
type ID string

// NewID generates a fresh random identifier.
func NewID() ID {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable, which is unrecoverable for a process that needs
		// stable identifiers at all.
		panic(fmt.Sprintf("model: failed to read random bytes: %v", err))
	}
	return ID(hex.EncodeToString(buf[:]))
}

// RootID is the identifier of the synthetic root node that is the parent
// of every root-level service.
const RootID ID = ""

// Valid reports whether id looks like a well-formed identifier: 32
// lowercase hex characters. The root id (empty string) is also valid.
func (id ID) Valid() bool {
	if id == RootID {
		return true
	}
	if len(id) != 32 {
		return false
	}
	for _, c := range string(id) {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
