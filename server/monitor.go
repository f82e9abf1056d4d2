package server

import (
	"log"
	"net/http"
)

// handleMonitor attaches a read-only observer to the audio fan-out.
// The shared-secret check happens inside Subscribe, before any data moves.
func (s *Twilio) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if !s.config.MonitorEnabled {
		http.NotFound(w, r)
		return
	}

	upgrader := s.upgrader
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients
			return true
		}
		for _, allowed := range s.config.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Monitor WebSocket upgrade failed: %v", err)
		return
	}

	sub, err := s.broadcaster.Subscribe(conn, r.URL.Query().Get("key"))
	if err != nil {
		// Subscribe already closed the connection
		log.Printf("👁️ Rejected monitor subscriber: %v", err)
		return
	}

	// Blocks until the observer disconnects, then unregisters itself
	sub.Run()
}
