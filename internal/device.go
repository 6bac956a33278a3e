package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashClientIP returns a stable, non-reversible key for a client address.
// Raw addresses never reach the store.
func HashClientIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:16])
}
