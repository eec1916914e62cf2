package security

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// SanitizeRepoIdentifier validates a GitHub-style owner/name pair. Owner
// follows GitHub username rules (alphanumeric and hyphen, no leading,
// trailing, or doubled hyphen, max 39 chars); name allows alphanumeric,
// hyphen, underscore, and period, may not start with a period, max 100
// chars.
func SanitizeRepoIdentifier(owner, name string) (string, string, bool) {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)

	if !isValidOwner(owner) || !isValidRepoName(name) {
		return "", "", false
	}
	return owner, name, true
}

func isValidOwner(s string) bool {
	if s == "" || len(s) > 39 {
		return false
	}
	if strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") || strings.Contains(s, "--") {
		return false
	}
	for _, c := range s {
		if !isAlnum(c) && c != '-' {
			return false
		}
	}
	return true
}

func isValidRepoName(s string) bool {
	if s == "" || len(s) > 100 {
		return false
	}
	if strings.HasPrefix(s, ".") {
		return false
	}
	for _, c := range s {
		if !isAlnum(c) && c != '-' && c != '_' && c != '.' {
			return false
		}
	}
	return true
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

const gitRefForbiddenChars = " ~^:?*[\\"

// SanitizeGitRef validates a branch, tag, or commit SHA against the subset
// of git's own ref-naming rules that matter for shell-safety and proxy
// correctness: no control characters, no leading slash or dot, no trailing
// slash or ".lock", no doubled slash.
func SanitizeGitRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(ref) > 256 {
		return "", false
	}
	for _, c := range ref {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(gitRefForbiddenChars, c) {
			return "", false
		}
	}
	if strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, ".") {
		return "", false
	}
	if strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".lock") {
		return "", false
	}
	if strings.Contains(ref, "//") {
		return "", false
	}
	return ref, true
}

// IsSafeSessionIDComponent reports whether a session id is safe to use as a
// single filesystem path component: alphanumeric, hyphen, and underscore
// only. Anything else — including ".", "..", "~", path separators, and null
// bytes — is rejected rather than stripped, matching the Workspace
// Manager's "reject anything else" rule.
func IsSafeSessionIDComponent(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		if !isAlnum(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

// GenerateSessionID returns a random hex identifier with 128 bits of
// entropy, used as the session's opaque id.
func GenerateSessionID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// RedactToken replaces every occurrence of token in s with a fixed
// placeholder, used before any git/GitHub error output is logged or
// returned to a caller.
func RedactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "[REDACTED]")
}
