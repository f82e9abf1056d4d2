package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/syn4pse1/chambatelef/messages"
)

const handshakeTimeout = 10 * time.Second

// Config holds everything needed to open one backend voice session
type Config struct {
	URL    string // e.g. wss://api.openai.com/v1/realtime
	Model  string
	APIKey string
	Format messages.AudioFormat
}

// Proxy owns the websocket to the realtime voice backend: one per call.
// It translates relay-side calls into the backend's append/commit protocol
// and decodes audio-delta events back out through OnAudioDelta.
type Proxy struct {
	conn   *websocket.Conn
	format messages.AudioFormat

	// Callbacks for handling backend events
	OnAudioDelta func(deltaB64 string) // base64 audio, passed through un-decoded
	OnError      func(err error)

	writeMu sync.Mutex // gorilla conns allow one concurrent writer

	mu     sync.RWMutex
	closed bool
}

// NewProxy dials the realtime backend. A dial failure is fatal for the
// owning session; there is no retry.
func NewProxy(ctx context.Context, cfg Config) (*Proxy, error) {
	url := fmt.Sprintf("%s?model=%s", cfg.URL, cfg.Model)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime backend: %w", err)
	}

	return &Proxy{
		conn:   conn,
		format: cfg.Format,
	}, nil
}

// Setup configures the backend session: persona instructions and the output
// audio format pinned to the telephony leg's, plus an optional greeting.
func (p *Proxy) Setup(instructions, greeting string) error {
	if err := p.sendJSON(messages.NewSessionUpdate(instructions, p.format)); err != nil {
		return fmt.Errorf("failed to configure realtime session: %w", err)
	}
	if greeting != "" {
		if err := p.sendJSON(messages.NewResponseCreate(greeting)); err != nil {
			return fmt.Errorf("failed to send greeting: %w", err)
		}
	}
	log.Printf("✅ Connected to realtime backend (%s)", p.format.Encoding)
	return nil
}

// StartReceiving begins listening for backend events
func (p *Proxy) StartReceiving(ctx context.Context) {
	go func() {
		for {
			p.mu.RLock()
			closed := p.closed
			p.mu.RUnlock()
			if closed || ctx.Err() != nil {
				return
			}

			_, data, err := p.conn.ReadMessage()
			if err != nil {
				p.mu.RLock()
				closed := p.closed
				p.mu.RUnlock()

				if !closed {
					log.Printf("❌ Realtime receive error: %v", err)
					if p.OnError != nil {
						p.OnError(err)
					}
				}
				return
			}

			evt, err := messages.ParseRealtimeEvent(data)
			if err != nil {
				// Malformed frame: discard this one message, keep the session
				log.Printf("⚠️ Discarding malformed backend event: %v", err)
				continue
			}

			if evt.IsAudioDelta() && p.OnAudioDelta != nil {
				p.OnAudioDelta(evt.Delta)
			}
		}
	}()
}

// AppendInbound forwards one inbound audio chunk to the backend's input
// buffer, tagged with the format negotiated at open
func (p *Proxy) AppendInbound(audio []byte) error {
	encoded := base64.StdEncoding.EncodeToString(audio)
	return p.sendJSON(messages.NewInputAudioAppend(encoded, p.format))
}

// Commit tells the backend to process everything appended since the last
// commit. Invoked only by the session's commit scheduler.
func (p *Proxy) Commit() error {
	return p.sendJSON(messages.NewInputAudioCommit())
}

func (p *Proxy) sendJSON(msg any) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("realtime proxy is closed")
	}

	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode backend message: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send to backend: %w", err)
	}
	return nil
}

// Close terminates the backend connection. Idempotent.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.conn.Close()
}
