package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/syn4pse1/chambatelef/config"
	"github.com/syn4pse1/chambatelef/monitor"
	"github.com/syn4pse1/chambatelef/session"
)

// Twilio serves the telephony side of the relay: the media stream websocket,
// the TwiML answer callback, the outbound-call trigger and the monitor tap.
type Twilio struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	broadcaster    *monitor.Broadcaster
	config         *config.Config
	calls          *CallClient
}

func NewTwilio(cfg *config.Config, sessionManager *session.Manager, broadcaster *monitor.Broadcaster) *Twilio {
	s := &Twilio{
		sessionManager: sessionManager,
		broadcaster:    broadcaster,
		config:         cfg,
		calls:          NewCallClient(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Twilio doesn't support WebSocket compression
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				// Twilio connections don't send browser Origin headers.
				// Allow all origins for the stream endpoint.
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/voice", s.handleVoice)
	mux.HandleFunc("/call", s.handleCall)
	mux.HandleFunc("/monitor", s.handleMonitor)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
		// No ReadTimeout/WriteTimeout — these interfere with long-lived WebSocket connections.
		// The WebSocket layer handles its own timeouts via SetWriteDeadline/SetReadDeadline.
	}

	return s
}

// Start begins listening for connections
func (s *Twilio) Start() error {
	addr := s.httpServer.Addr
	log.Printf("📞 Relay server starting on %s", addr)
	log.Printf("📡 Telephony stream endpoint: ws://localhost%s/stream", addr)
	log.Printf("📡 Voice callback endpoint: http://localhost%s/voice", addr)
	if s.config.MonitorEnabled {
		log.Printf("👁️ Monitor endpoint: ws://localhost%s/monitor", addr)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Twilio) Shutdown(ctx context.Context) error {
	log.Println("Shutting down relay server...")
	return s.httpServer.Shutdown(ctx)
}

// handleStream is the relay orchestrator: one relay session per telephony
// connection, torn down and deregistered when the connection ends
func (s *Twilio) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Telephony WebSocket upgrade failed: %v", err)
		return
	}

	relaySession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		// No retry: a session that can't reach the backend is over
		log.Printf("Failed to create relay session: %v", err)
		conn.Close()
		return
	}

	log.Printf("📞 New relay session created: %s", relaySession.ID)

	relaySession.Start()

	// Wait for session to close
	<-relaySession.CloseChan

	_ = s.sessionManager.RemoveSession(r.Context(), relaySession.ID)
	log.Printf("📞 Relay session closed: %s", relaySession.ID)
}

// handleVoice returns the TwiML that points an answered call at our stream
func (s *Twilio) handleVoice(w http.ResponseWriter, r *http.Request) {
	host := s.config.PublicHost
	if host == "" {
		host = r.Host
	}
	wsURL := "wss://" + host + "/stream"

	xmlResponse := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
	<Connect>
		<Stream url="%s" name="voice-assistant" />
	</Connect>
</Response>`, wsURL)

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xmlResponse))
}

func (s *Twilio) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"monitors":%d}`,
		s.sessionManager.GetActiveSessionCount(), s.broadcaster.SubscriberCount())
}
