package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DeviceFingerprint creates a stable hash of the user agent and any client
// hints (Accept-Language, Sec-CH-UA, ...) for weak device binding.
// Hints are order-sensitive; callers must pass them in a fixed order.
func DeviceFingerprint(userAgent string, hints ...string) string {
	parts := make([]string, 0, len(hints)+1)
	parts = append(parts, strings.TrimSpace(userAgent))
	for _, h := range hints {
		parts = append(parts, strings.TrimSpace(h))
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(hash[:])[:32] // first 32 hex chars
}

// clock returns the current time. Services take a single snapshot per call.
type clock func() time.Time

func systemClock() time.Time {
	return time.Now()
}
