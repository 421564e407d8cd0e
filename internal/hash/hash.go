// Package hash produces the strong content digest used as chunk identity
// throughout the store. SHA-256 has no third-party substitute worth adding
// from the dependency pack; every other pack repo that hashes content
// (e.g. the teacher's domain.Blob) reaches for the same stdlib primitive.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	stdhash "hash"
)

// Size is the length in bytes of a strong digest.
const Size = sha256.Size

// Strong computes the SHA-256 digest of bytes and returns it as lowercase
// hex, the canonical chunk_id / whole_file_hash representation.
func Strong(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StrongBytes computes the raw 32-byte SHA-256 digest.
func StrongBytes(b []byte) [Size]byte {
	return sha256.Sum256(b)
}

// Verify reports whether b hashes to the given hex-encoded digest.
func Verify(b []byte, wantHex string) bool {
	return Strong(b) == wantHex
}

// NewStreaming returns a running SHA-256 hash for incremental digesting of
// a stream, e.g. while chunking.
func NewStreaming() stdhash.Hash {
	return sha256.New()
}
