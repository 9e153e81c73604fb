// Package checksum provides content digests used to detect external changes
// and to recognize the application's own writes echoing back from the
// filesystem watcher.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Equal reports whether two digests match. An empty digest never matches,
// so "no recorded checksum" compares as unequal to everything.
func Equal(a, b string) bool {
	return a != "" && b != "" && a == b
}
