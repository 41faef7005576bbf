package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// ValidateSubdomain reports whether s is a valid tunnel subdomain: 1 to
// 63 characters, each in [a-z0-9-], and not leading or trailing with a
// hyphen. Callers are expected to have already lowercased s.
func ValidateSubdomain(s string) bool {
	if len(s) < 1 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		if !isLower && !isDigit && c != '-' {
			return false
		}
	}
	return true
}

// NormalizeSubdomain lowercases s for case-insensitive comparison.
func NormalizeSubdomain(s string) string {
	return strings.ToLower(s)
}

// GenerateSubdomain produces "tunnel-<16 hex chars>-<counter>", where
// the hex portion comes from a cryptographic RNG. counter is supplied
// by the caller (a per-session monotonic count) so repeated calls
// within one session never collide on the counter suffix alone.
func GenerateSubdomain(counter uint32) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("registry: generate subdomain: %w", err)
	}
	return fmt.Sprintf("tunnel-%s-%d", hex.EncodeToString(b), counter), nil
}
