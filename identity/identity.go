// Package identity defines the peer identity contract used by the signaling
// and bridge layers.
//
// The call stack never depends on a concrete discovery substrate; it only
// requires that a peer identity can be converted to and from a stable string
// form and that a fixed-size unique id can be derived from it for use as a
// map key. DHT-backed, gossip-backed, and test identities all satisfy the
// same interface.
package identity

import (
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrEmptyIdentity indicates an identity string with no content.
var ErrEmptyIdentity = errors.New("identity string is empty")

// UniqueID is a fixed-size identifier derived from an identity's canonical
// string form. It is stable across processes and usable as a map key.
type UniqueID [32]byte

// Identity is the peer identity contract consumed by the signaling and
// bridge layers.
//
// Implementations must guarantee that String returns a canonical form: two
// identities naming the same peer produce equal strings and therefore equal
// unique ids.
type Identity interface {
	// String returns the canonical string form of the identity.
	String() string

	// UniqueID returns a stable fixed-size id derived from the identity.
	UniqueID() UniqueID
}

// StringIdentity is the default Identity implementation: an opaque peer
// name or address string. The unique id is the BLAKE2b-256 digest of the
// canonical (whitespace-trimmed) string.
type StringIdentity struct {
	value string
}

// Parse converts a string into a StringIdentity.
//
// The string is trimmed of surrounding whitespace; an empty result yields
// ErrEmptyIdentity.
func Parse(s string) (StringIdentity, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return StringIdentity{}, ErrEmptyIdentity
	}
	return StringIdentity{value: trimmed}, nil
}

// MustParse is Parse for identities known to be valid at compile time,
// such as test fixtures. It panics on an empty string.
func MustParse(s string) StringIdentity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical string form.
func (s StringIdentity) String() string {
	return s.value
}

// UniqueID returns the BLAKE2b-256 digest of the canonical string form.
func (s StringIdentity) UniqueID() UniqueID {
	return UniqueID(blake2b.Sum256([]byte(s.value)))
}

// IsZero reports whether the identity carries no value.
func (s StringIdentity) IsZero() bool {
	return s.value == ""
}
