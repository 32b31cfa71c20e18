package types

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

// IDBits is the number of bits in a node identifier.
const IDBits = 160

// IDBytes is the number of bytes in a node identifier (160 bits = 20 bytes).
const IDBytes = IDBits / 8

// ErrInvalidHex is returned when parsing a malformed hex identifier.
var ErrInvalidHex = xerrors.New("invalid hex id")

// ErrInvalidIDSize is returned when constructing an ID from a byte slice of
// the wrong length.
var ErrInvalidIDSize = xerrors.New("invalid id size")

// ID is a 160-bit Kademlia identifier. The zero value is a valid ID (all
// zero bits).
type ID [IDBytes]byte

// IDFromBytes builds an ID from exactly IDBytes bytes.
func IDFromBytes(data []byte) (ID, error) {
	var id ID
	if len(data) != IDBytes {
		return id, xerrors.Errorf("id from %d bytes: %w", len(data), ErrInvalidIDSize)
	}
	copy(id[:], data)
	return id, nil
}

// IDFromHex parses a 40-digit hex string, case-insensitive.
func IDFromHex(s string) (ID, error) {
	var id ID
	if len(s) != IDBytes*2 {
		return id, xerrors.Errorf("id from %d hex digits: %w", len(s), ErrInvalidHex)
	}
	decoded, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return id, xerrors.Errorf("id from hex: %w", ErrInvalidHex)
	}
	copy(id[:], decoded)
	return id, nil
}

// NewRandomID returns an ID drawn uniformly from src. Pass nil to use the
// system entropy source.
func NewRandomID(src io.Reader) ID {
	if src == nil {
		src = rand.Reader
	}
	var id ID
	io.ReadFull(src, id[:])
	return id
}

// HashKey hashes arbitrary bytes into the identifier space with SHA-1.
func HashKey(data []byte) ID {
	return ID(sha1.Sum(data))
}

// Distance returns the XOR distance between two identifiers.
func (id ID) Distance(other ID) ID {
	var dist ID
	for i := 0; i < IDBytes; i++ {
		dist[i] = id[i] ^ other[i]
	}
	return dist
}

// Bit returns bit i, MSB-first: bit 0 is the most significant bit of the
// first byte.
func (id ID) Bit(i int) bool {
	return (id[i/8]>>(7-i%8))&0x1 != 0
}

// Byte returns byte i.
func (id ID) Byte(i int) byte {
	return id[i]
}

// Equals checks equality.
func (id ID) Equals(other ID) bool {
	return id == other
}

// Less compares lexicographically (used for distance ordering and
// tie-breaking).
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// IsZero reports whether every bit is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String hex-encodes the ID as 40 lower-case digits.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}
