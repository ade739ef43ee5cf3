package common

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash is a 32-byte BLAKE2b digest of guest bytes.
type Hash [32]byte

func Blake2Hash(data []byte) Hash {
	return blake2b.Sum256(data)
}

// Blake2HashParts hashes the concatenation of parts without copying them together.
func Blake2HashParts(parts ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// String_short returns the first 4 bytes of the digest in hex.
func (h Hash) String_short() string {
	return hex.EncodeToString(h[:4])
}

func IsNilHash(h Hash) bool {
	return h == Hash{}
}
