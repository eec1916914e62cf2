package proxy

import (
	"strings"
)

// ExtractSubdomainSessionID returns the session id encoded in host as its
// leftmost label, given the configured preview domain suffix. It is the
// left inverse of building a subdomain preview URL: for any session id
// id, ExtractSubdomainSessionID(id+"."+domain, domain) == id.
func ExtractSubdomainSessionID(host, previewDomain string) (string, bool) {
	host = stripPort(host)
	suffix := "." + previewDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(host, suffix)
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// ExtractPathSessionID returns the session id and remaining forward path
// from a request path of the form "<prefix>/<id>" or "<prefix>/<id>/rest".
func ExtractPathSessionID(path, prefix string) (id, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	id = parts[0]
	if id == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		rest = "/" + parts[1]
	} else {
		rest = "/"
	}
	return id, rest, true
}

func stripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
