package gateway

import (
	"net/http"
)

// serveTerminalPage answers a plain GET on /ws/{sessionId} with the embedded
// terminal client. The page opens a WebSocket back to the same URL, passing
// its token through the bearer subprotocol. Caching is disabled: the page is
// tiny and a cached copy could outlive a rotated asset.
func (s *Server) serveTerminalPage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !validSessionID(sessionID) {
		http.NotFound(w, r)
		return
	}

	page, err := staticFiles.ReadFile("static/terminal.html")
	if err != nil {
		s.logger.Error("Terminal page missing from embedded assets", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(page)
}
