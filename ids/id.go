// This package defines the account/group identifier used throughout cord. An id is the
// hex encoding of a one-byte prefix followed by a 32-byte x25519 public key.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	Prefix = 0x05

	// hex length of prefix + 32-byte public key
	EncodedLen = 66
)

// FromPublicKey returns the id for a given 32-byte public key.
func FromPublicKey(pub []byte) string {
	return hex.EncodeToString(append([]byte{Prefix}, pub...))
}

// PublicKey extracts the 32-byte public key from an id.
func PublicKey(id string) ([]byte, error) {
	if err := Validate(id); err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return nil, err
	}
	return b[1:], nil
}

func Validate(id string) error {
	if len(id) != EncodedLen {
		return fmt.Errorf("ids: expected id of length %d, got %d", EncodedLen, len(id))
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("ids: malformed id: %w", err)
	}
	if b[0] != Prefix {
		return fmt.Errorf("ids: expected prefix %02x, got %02x", Prefix, b[0])
	}
	return nil
}

// NewGroupID makes a fresh random id for a newly-formed group.
func NewGroupID() string {
	var pub [32]byte
	if _, err := io.ReadFull(crypto_rand.Reader, pub[:]); err != nil {
		panic("short read from random source")
	}
	return FromPublicKey(pub[:])
}
