package api

import (
	"fmt"
	"html"

	"github.com/driftline-dev/driftline/internal/store"
)

// These are the static status pages the preview surface serves in place of
// the dev server's own output while a session isn't forwardable yet (spec
// §4.5, §12). They're deliberately minimal: no external assets, since an
// asset-heavy error page would itself need a working proxy target to load.

const pageShell = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title>
<style>body{font-family:system-ui,sans-serif;background:#0b0d12;color:#e6e6e6;display:flex;align-items:center;justify-content:center;height:100vh;margin:0}
.card{max-width:28rem;text-align:center;padding:2rem}
h1{font-size:1.25rem;margin-bottom:0.5rem}
p{color:#9a9a9a;font-size:0.9rem}</style>
</head>
<body><div class="card"><h1>%s</h1><p>%s</p></div></body>
</html>`

var notFoundPage = fmt.Sprintf(pageShell, "Not found", "Session not found", "This preview session does not exist or has been removed.")

var stoppedPage = fmt.Sprintf(pageShell, "Session stopped", "Session stopped", "This preview session has been stopped and is no longer available.")

var retryPage = fmt.Sprintf(pageShell, "Starting up", "Reconnecting session", "The preview session is restarting on another instance. This page will retry shortly.")

func failedPage(message string) string {
	detail := "The preview session failed to start."
	if message != "" {
		detail = html.EscapeString(message)
	}
	return fmt.Sprintf(pageShell, "Session failed", "Session failed", detail)
}

func loadingPage(status store.Status) string {
	var detail string
	switch status {
	case store.StatusPending:
		detail = "Preparing to clone the repository."
	case store.StatusCloning:
		detail = "Cloning the repository."
	case store.StatusInstalling:
		detail = "Installing dependencies."
	case store.StatusStarting:
		detail = "Starting the dev server."
	default:
		detail = "Preparing your preview."
	}
	return fmt.Sprintf(pageShell, "Starting up", "Starting your preview", detail)
}
