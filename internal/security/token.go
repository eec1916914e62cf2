// Package security implements the access-token format, the constant-time
// comparisons required by §8's timing-safe-equal invariant, and the input
// sanitizers that gate repository identifiers, git refs, and workspace path
// components before they ever reach a shell-out or a filesystem call.
package security

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"crypto/rand"
)

const (
	tokenBytes  = 32
	tokenPrefix = "dl_"

	base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

// GenerateAccessToken returns a cryptographically random, URL-safe bearer
// token carrying the project's recognizable prefix.
func GenerateAccessToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateTokenFormat checks the shape of a token without consulting the
// record store: prefix, minimum length, and character set.
func ValidateTokenFormat(token string) bool {
	if token == "" || !strings.HasPrefix(token, tokenPrefix) {
		return false
	}
	if len(token) < len(tokenPrefix)+20 {
		return false
	}
	body := token[len(tokenPrefix):]
	for _, c := range body {
		if !strings.ContainsRune(base64URLAlphabet, c) {
			return false
		}
	}
	return true
}

// ConstantTimeEqual reports whether a and b are equal, comparing in time
// independent of where the two strings first differ (token length is not
// secret, so the length check ahead of the comparison is not a leak).
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Fingerprint derives a short, non-reversible identifier for a token so log
// lines can correlate requests to a session without ever recording the
// bearer value itself.
func Fingerprint(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}
