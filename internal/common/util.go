package common

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// MakeRandHexString generates size random bytes and returns them hex encoded,
// so the result is 2*size characters long.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRandByteArray returns size bytes from crypto/rand.
// It panics only if the system random source is unavailable.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// HashToken returns the hex SHA-256 digest of a raw opaque token. Only digests
// of single-use tokens are persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// WipeByteArray overwrites b with zeros. Nil is a no-op.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
