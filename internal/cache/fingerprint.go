// Package cache provides the result cache for search responses and the
// two-tier metadata cache (in-memory fast tier over a durable badger tier).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// QueryFingerprint derives a stable cache key from a normalized request.
// The request must already have its defaults applied so that semantically
// identical requests serialize identically.
func QueryFingerprint(req interface{}) string {
	payload, err := json.Marshal(req)
	if err != nil {
		// Marshal of a plain request struct cannot fail; fall back to an
		// uncacheable key rather than panic.
		return ""
	}
	sum := sha256.Sum256(payload)
	return "q:" + hex.EncodeToString(sum[:])
}
