package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftline-dev/driftline/internal/logger"
	"github.com/driftline-dev/driftline/internal/proxy"
	"github.com/driftline-dev/driftline/internal/store"
)

const accessCookieName = "driftline_token"

// Preview implements the preview surface of §6.2 and the HTTP-forwarding
// decision table of §4.5: resolve the session, map its state to a response,
// bump activity, and hand off to the Reverse Proxy. A WebSocket upgrade
// request is validated identically and handed to the same proxy call,
// which dispatches it to the WebSocket relay.
func (h *Handler) Preview(c *gin.Context) {
	id, rest, pathPrefix, rewriteHTML := h.resolveRoute(c)
	if id == "" {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte(notFoundPage))
		return
	}

	token := h.presentedToken(c)
	record, port, valid := h.sessions.ValidateAccess(c.Request.Context(), id, token)
	if record == nil {
		// A missing session and a bad token are indistinguishable on
		// purpose: neither should tell an unauthenticated caller which
		// session ids exist.
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte(notFoundPage))
		return
	}

	if !valid {
		switch record.Status {
		case store.StatusFailed:
			c.Data(http.StatusBadGateway, "text/html; charset=utf-8", []byte(failedPage(record.ErrorMessage)))
			return
		case store.StatusStopped:
			c.Data(http.StatusGone, "text/html; charset=utf-8", []byte(stoppedPage))
			return
		case store.StatusPending, store.StatusCloning, store.StatusInstalling, store.StatusStarting:
			c.Header("Refresh", "2")
			c.Data(http.StatusAccepted, "text/html; charset=utf-8", []byte(loadingPage(record.Status)))
			return
		case store.StatusReady:
			// Recorded ready but not owned by this instance: attempt
			// recovery before giving up on the request.
			newPort, err := h.sessions.Recover(c.Request.Context(), id)
			if err != nil {
				logger.API().Warn().Str("session_id", id).Err(err).Msg("recovery failed")
				c.Header("Refresh", "3")
				c.Data(http.StatusAccepted, "text/html; charset=utf-8", []byte(retryPage))
				return
			}
			port = newPort
		default:
			c.Data(http.StatusBadGateway, "text/html; charset=utf-8", []byte(failedPage("session is in an unexpected state")))
			return
		}
	}

	_ = h.sessions.UpdateActivity(c.Request.Context(), id)
	h.issueCookieIfNeeded(c, id, token)

	target := proxy.Target{
		SessionID:   id,
		Port:        port,
		PathPrefix:  pathPrefix,
		RewriteHTML: rewriteHTML,
	}
	c.Request.URL.Path = rest
	h.proxy.ServeHTTP(c.Writer, c.Request, target)
}

// resolveRoute extracts the session id, the path to forward to the dev
// server, the prefix to strip/rewrite, and whether HTML rewriting applies,
// for either routing mode. In subdomain mode the id comes from the Routing
// Middleware, which already matched the Host header.
func (h *Handler) resolveRoute(c *gin.Context) (id, rest, pathPrefix string, rewriteHTML bool) {
	if h.useSubdomainRouting {
		sid, ok := c.Get(routedSessionIDKey)
		if !ok {
			return "", "", "", false
		}
		return sid.(string), c.Request.URL.Path, "", false
	}

	sid, rest, ok := proxy.ExtractPathSessionID(c.Request.URL.Path, h.previewPathPrefix)
	if !ok {
		return "", "", "", false
	}
	return sid, rest, h.previewPathPrefix + "/" + sid, true
}

// presentedToken reads the access token from the query string first (the
// first hit off a freshly issued preview URL), falling back to the
// per-session cookie set on that first hit.
func (h *Handler) presentedToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if cookie, err := c.Cookie(accessCookieName); err == nil {
		return cookie
	}
	return ""
}

// issueCookieIfNeeded sets the access-token cookie on the first request
// that carried it as a query parameter, so subsequent asset and WebSocket
// requests authenticate without the token in the URL. No Domain attribute is
// set, so the browser keeps the cookie to the exact host that issued it (in
// subdomain mode, the session's own subdomain) with Path=/; path mode scopes
// it to the session's own path prefix. Both modes use SameSite=None, Secure
// and HttpOnly so the cookie survives cross-site framing.
func (h *Handler) issueCookieIfNeeded(c *gin.Context, id, token string) {
	if c.Query("token") == "" {
		return
	}
	if _, err := c.Cookie(accessCookieName); err == nil {
		return
	}

	cookiePath := "/"
	if !h.useSubdomainRouting {
		cookiePath = h.previewPathPrefix + "/" + id
	}
	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(accessCookieName, token, int((24*time.Hour).Seconds()), cookiePath, "", true, true)
}
