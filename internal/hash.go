package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashURL returns a stable hex key for a URL, suitable for cache and object storage keys.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}
