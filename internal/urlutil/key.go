package urlutil

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Key is a 128-bit URL identity derived from the normalized URL string.
// Two URLs with the same normalized form produce the same Key, which lets
// the visited set and queue dedupe set store fixed-size values instead of
// full URL strings.
type Key [16]byte

// ZeroKey is the zero-value Key.
var ZeroKey Key

// KeyOf computes the Key for a normalized URL string.
func KeyOf(normalizedURL string) Key {
	sum := xxh3.Hash128([]byte(normalizedURL))
	var k Key
	binary.BigEndian.PutUint64(k[:8], sum.Hi)
	binary.BigEndian.PutUint64(k[8:], sum.Lo)
	return k
}

// Hex returns the lowercase hex encoding of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Hex()
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == ZeroKey
}

// ParseKeyHex decodes a 32-character hex string into a Key.
func ParseKeyHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("urlutil.ParseKeyHex: %w", err)
	}
	if len(b) != 16 {
		return ZeroKey, fmt.Errorf("urlutil.ParseKeyHex: want 16 bytes, got %d", len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}
