// Package proxy implements the Reverse Proxy and Routing Middleware
// (components F and G): forwarding HTTP and WebSocket traffic from a
// session's public preview URL to its dev server's local port. Grounded in
// the teacher's selkies_proxy.go for the httputil.ReverseProxy
// Director/ErrorHandler idiom, and in the original prototype's proxy.py
// for header filtering, the HTML base-path rewrite path-routing needs, and
// streaming-response detection.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/driftline-dev/driftline/internal/logger"
)

// hopByHopHeaders must never be forwarded across a proxy hop.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Target describes where a request for a session should be forwarded.
type Target struct {
	SessionID   string
	Port        int
	PathPrefix  string // e.g. "/preview/<id>", empty under subdomain routing
	RewriteHTML bool   // true only for path-based routing
}

// Proxy forwards HTTP and WebSocket traffic to local dev-server ports.
type Proxy struct {
	upgrader websocket.Upgrader
}

// New constructs a Proxy.
func New() *Proxy {
	return &Proxy{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP forwards a single HTTP request to target's dev server,
// stripping target.PathPrefix from the incoming path first.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, target Target) {
	if websocket.IsWebSocketUpgrade(r) {
		p.serveWebSocket(w, r, target)
		return
	}

	forwardPath := strings.TrimPrefix(r.URL.Path, target.PathPrefix)
	if !strings.HasPrefix(forwardPath, "/") {
		forwardPath = "/" + forwardPath
	}

	destURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", target.Port)}
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = destURL.Scheme
			req.URL.Host = destURL.Host
			req.URL.Path = forwardPath
			req.URL.RawQuery = r.URL.RawQuery
			req.Host = destURL.Host

			stripHopByHop(req.Header)
			req.Header.Set("X-Forwarded-For", clientIP(r))
			req.Header.Set("X-Forwarded-Proto", schemeOf(r))
			req.Header.Set("X-Forwarded-Host", r.Host)
			req.Header.Set("X-Session-ID", target.SessionID)
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHopByHop(resp.Header)
			resp.Header.Del("X-Frame-Options")
			if resp.Header.Get("Content-Security-Policy") == "" {
				resp.Header.Set("Content-Security-Policy", "frame-ancestors *")
			}

			if target.RewriteHTML && !isStreamingResponse(resp.Header) &&
				strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
				return rewriteHTMLResponse(resp, target)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Proxy().Warn().Str("session_id", target.SessionID).Err(err).Msg("proxy error")
			if isConnRefused(err) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"session_not_ready","message":"the dev server is still starting"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = fmt.Fprintf(w, `{"error":"upstream_unreachable","message":%q}`, err.Error())
		},
	}

	rp.ServeHTTP(w, r)
}

func stripHopByHop(h http.Header) {
	for name := range h {
		if hopByHopHeaders[strings.ToLower(name)] {
			h.Del(name)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func isConnRefused(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection refused")
}

// serveWebSocket proxies a single WebSocket connection end to end, which is
// how hot-module-reload traffic reaches the dev server.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, target Target) {
	log := logger.Proxy()

	forwardPath := strings.TrimPrefix(r.URL.Path, target.PathPrefix)
	if !strings.HasPrefix(forwardPath, "/") {
		forwardPath = "/" + forwardPath
	}

	backendURL := fmt.Sprintf("ws://127.0.0.1:%d%s", target.Port, forwardPath)
	if r.URL.RawQuery != "" {
		backendURL += "?" + r.URL.RawQuery
	}

	backendHeaders := http.Header{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "upgrade" || lower == "connection" || lower == "host" ||
			strings.HasPrefix(lower, "sec-websocket-") {
			continue
		}
		backendHeaders[name] = values
	}

	backendConn, resp, err := websocket.DefaultDialer.DialContext(r.Context(), backendURL, backendHeaders)
	if err != nil {
		log.Warn().Str("session_id", target.SessionID).Err(err).Msg("websocket dial to dev server failed")
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "dev server websocket unreachable", status)
		return
	}
	defer backendConn.Close()

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("session_id", target.SessionID).Err(err).Msg("websocket upgrade failed")
		return
	}
	defer clientConn.Close()

	done := make(chan struct{}, 2)
	go relay(clientConn, backendConn, done)
	go relay(backendConn, clientConn, done)
	<-done
}

func relay(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// isStreamingResponse reports whether a response should be streamed
// through rather than buffered: event streams, and anything over 1MB.
func isStreamingResponse(header http.Header) bool {
	if strings.Contains(header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n > 1_000_000 {
			return true
		}
	}
	return false
}
