package types

import (
	"encoding/hex"
	"strings"
)

// DHTKey is an arbitrary byte sequence naming a stored record. The routing
// target for a key is HashKey(key.Data).
type DHTKey struct {
	Data []byte
}

// NewKey wraps raw bytes.
func NewKey(data []byte) DHTKey {
	return DHTKey{Data: data}
}

// KeyFromString builds a key from a printable form: a "0x"-prefixed hex
// string decodes to the original bytes, anything else is taken as ASCII.
func KeyFromString(s string) DHTKey {
	if strings.HasPrefix(s, "0x") {
		if decoded, err := hex.DecodeString(s[2:]); err == nil {
			return DHTKey{Data: decoded}
		}
	}
	return DHTKey{Data: []byte(s)}
}

// Target returns the identifier the key routes to.
func (k DHTKey) Target() ID {
	return HashKey(k.Data)
}

// Equals compares byte sequences.
func (k DHTKey) Equals(other DHTKey) bool {
	return string(k.Data) == string(other.Data)
}

// String returns the printable form: the ASCII characters when every byte
// is printable and the key is non-empty, otherwise "0x" followed by
// lower-case hex.
func (k DHTKey) String() string {
	printable := len(k.Data) > 0
	for _, b := range k.Data {
		if b < 0x20 || b > 0x7E {
			printable = false
			break
		}
	}

	if printable {
		return string(k.Data)
	}
	return "0x" + hex.EncodeToString(k.Data)
}
