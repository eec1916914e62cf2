package proxy

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strconv"
)

// urlAttrPattern matches src="/path", href='/path', etc. The value is
// captured in full (including a leading "//") so the replace func below can
// recognize and skip protocol-relative URLs instead of rewriting only the
// leading slash and leaving the rest of the value dangling. Values that
// don't start with "/" at all (http:, https:, data:) never match this
// pattern in the first place. Limited to the attributes the original
// HTML-rewrite rule covers.
var urlAttrPattern = regexp.MustCompile(`(?i)(src|href|action|data|poster)=(["'])(/[^"']*)`)

var srcsetPattern = regexp.MustCompile(`(?i)srcset=(["'])([^"']+)`)
var srcsetURLPattern = regexp.MustCompile(`(/[^\s,]+)(\s+[^,]*)?`)

var headTagPattern = regexp.MustCompile(`(?i)(<head[^>]*>)`)
var htmlTagPattern = regexp.MustCompile(`(?i)(<html[^>]*>)`)
var baseTagPattern = regexp.MustCompile(`(?i)<base\s+[^>]*>`)

// rewriteHTMLResponse buffers and rewrites an HTML response body so
// root-relative URLs resolve under target.PathPrefix, which path-based
// routing requires because the browser has no other way to learn the
// prefix the dev server itself doesn't know about. Subdomain routing never
// calls this: everything there is already served at "/".
func rewriteHTMLResponse(resp *http.Response, target Target) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}

	rewritten := rewriteHTML(body, target.PathPrefix)
	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	resp.ContentLength = int64(len(rewritten))
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	return nil
}

func rewriteHTML(content []byte, prefix string) []byte {
	html := string(content)

	html = urlAttrPattern.ReplaceAllStringFunc(html, func(m string) string {
		groups := urlAttrPattern.FindStringSubmatch(m)
		attr, quote, path := groups[1], groups[2], groups[3]
		if hasPrefix(path, "//") || hasPrefix(path, prefix+"/") {
			return m
		}
		return attr + "=" + quote + prefix + path
	})

	html = srcsetPattern.ReplaceAllStringFunc(html, func(m string) string {
		groups := srcsetPattern.FindStringSubmatch(m)
		quote, value := groups[1], groups[2]
		rewritten := srcsetURLPattern.ReplaceAllStringFunc(value, func(u string) string {
			parts := srcsetURLPattern.FindStringSubmatch(u)
			path, rest := parts[1], parts[2]
			if len(path) > 1 && path[1] == '/' {
				return u // protocol-relative "//..."
			}
			if hasPrefix(path, prefix+"/") {
				return u
			}
			return prefix + path + rest
		})
		return "srcset=" + quote + rewritten
	})

	if !baseTagPattern.MatchString(html) {
		baseTag := `<base href="` + prefix + `/">`
		switch {
		case headTagPattern.MatchString(html):
			html = headTagPattern.ReplaceAllString(html, "$1\n    "+baseTag)
		case htmlTagPattern.MatchString(html):
			html = htmlTagPattern.ReplaceAllString(html, "$1\n<head>\n    "+baseTag+"\n</head>")
		default:
			html = baseTag + "\n" + html
		}
	}

	return []byte(html)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
