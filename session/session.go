package session

import (
	"encoding/base64"
	"log"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/syn4pse1/chambatelef/messages"
	"github.com/syn4pse1/chambatelef/monitor"
)

const (
	writeQueueSize = 256
	writeTimeout   = 10 * time.Second
	readLimit      = 512 * 1024

	// markName tags the sync marker sent after every outbound media frame
	markName = "ai-chunk"
)

// State is the relay session lifecycle
type State int

const (
	StatePending State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// AILeg is the voice-backend side of a relay session
type AILeg interface {
	AppendInbound(audio []byte) error
	Commit() error
	Close() error
}

// RelaySession bridges one telephone call with one backend voice session.
// It owns both connections and the commit scheduler, and enforces their
// combined lifecycle: Pending -> Active -> Closing -> Closed.
type RelaySession struct {
	ID         string
	TwilioConn *websocket.Conn
	CreatedAt  time.Time

	ai          AILeg
	committer   *Committer
	broadcaster *monitor.Broadcaster // nil when monitoring is disabled
	format      messages.AudioFormat

	// Outbound telephony frames go through a bounded queue so a slow
	// socket cannot pile up unbounded in-flight frames. Overflow rejects
	// the newest frame and logs it.
	writeChan chan any

	CloseChan chan struct{}

	mu           sync.RWMutex
	state        State
	closed       bool
	streamSid    string // set once, by the start event
	lastActivity time.Time
	lastCommitAt time.Time
}

// NewRelaySession wraps a freshly upgraded telephony connection. The AI leg
// is attached by the manager before Start is called.
func NewRelaySession(id string, twilioConn *websocket.Conn, format messages.AudioFormat, commitInterval time.Duration, broadcaster *monitor.Broadcaster) *RelaySession {
	// Twilio doesn't support WebSocket compression
	twilioConn.SetReadLimit(readLimit)
	twilioConn.EnableWriteCompression(false)

	s := &RelaySession{
		ID:           id,
		TwilioConn:   twilioConn,
		CreatedAt:    time.Now(),
		broadcaster:  broadcaster,
		format:       format,
		writeChan:    make(chan any, writeQueueSize),
		CloseChan:    make(chan struct{}),
		state:        StatePending,
		lastActivity: time.Now(),
	}
	s.committer = NewCommitter(func() Trigger {
		return NewTickerTrigger(commitInterval)
	}, s.commit)
	return s
}

// Start begins the bidirectional relay
func (s *RelaySession) Start() {
	go s.writePump()
	go s.readLoop()
}

// State returns the current lifecycle state
func (s *RelaySession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StreamSid returns the telephony stream id, or "" before the start event
func (s *RelaySession) StreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// LastActivity returns when the session last saw traffic
func (s *RelaySession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// IsClosed returns whether the session is closed
func (s *RelaySession) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// readLoop processes the telephony event stream until the leg ends
func (s *RelaySession) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.CloseChan:
			return
		default:
			_, data, err := s.TwilioConn.ReadMessage()
			if err != nil {
				if !s.IsClosed() {
					log.Printf("❌ [%s] Telephony read error: %v", s.ID[:8], err)
				}
				return
			}

			s.touch()

			evt, err := messages.ParseTwilioEvent(data)
			if err != nil {
				// Malformed frame: log, discard this one message, carry on
				log.Printf("⚠️ [%s] Discarding telephony frame: %v", s.ID[:8], err)
				continue
			}

			switch evt.Kind {
			case messages.EventConnected:
				log.Printf("📞 [%s] Telephony stream connected", s.ID[:8])

			case messages.EventStart:
				s.handleStart(evt.StreamSid)

			case messages.EventMedia:
				s.handleMedia(evt.Payload)

			case messages.EventStop:
				log.Printf("📞 [%s] Telephony stream stopped", s.ID[:8])
				return

			case messages.EventMark:
				// Echoed marks are informational, ignore
			}
		}
	}
}

// handleStart fixes the stream id and moves the session to Active.
// The id is set at most once; a second start is ignored.
func (s *RelaySession) handleStart(streamSid string) {
	s.mu.Lock()
	if s.streamSid != "" {
		s.mu.Unlock()
		log.Printf("⚠️ [%s] Duplicate start event ignored (sid already %s)", s.ID[:8], s.streamSid)
		return
	}
	s.streamSid = streamSid
	s.state = StateActive
	s.mu.Unlock()

	log.Printf("📞 [%s] Telephony stream started, StreamSid: %s", s.ID[:8], streamSid)
	s.committer.Start()
}

// handleMedia forwards one inbound chunk to the backend and mirrors it to
// the monitor fan-out
func (s *RelaySession) handleMedia(payload []byte) {
	if err := s.ai.AppendInbound(payload); err != nil {
		log.Printf("❌ [%s] Failed to append audio to backend: %v", s.ID[:8], err)
	}

	if s.broadcaster != nil {
		encoded := base64.StdEncoding.EncodeToString(payload)
		s.broadcaster.Publish(messages.NewMonitorEnvelope(messages.Inbound, s.format, s.StreamSid(), encoded))
	}
}

// HandleDelta receives one backend audio chunk and forwards it to the
// telephony leg plus the monitor fan-out. Deltas arriving before the start
// event fixed the stream id are dropped: there is nothing to address them to.
func (s *RelaySession) HandleDelta(deltaB64 string) {
	streamSid := s.StreamSid()
	if streamSid == "" {
		log.Printf("⚠️ [%s] Dropping backend audio, no StreamSid yet", s.ID[:8])
		return
	}

	s.queueMessage(messages.NewTwilioMedia(streamSid, deltaB64))
	s.queueMessage(messages.NewTwilioMark(streamSid, markName))

	if s.broadcaster != nil {
		s.broadcaster.Publish(messages.NewMonitorEnvelope(messages.Outbound, s.format, streamSid, deltaB64))
	}
}

// commit fires on the scheduler's cadence; it only ever acts on an
// active session
func (s *RelaySession) commit() {
	if s.State() != StateActive {
		return
	}
	if err := s.ai.Commit(); err != nil {
		log.Printf("❌ [%s] Failed to commit backend input: %v", s.ID[:8], err)
		return
	}
	s.mu.Lock()
	s.lastCommitAt = time.Now()
	s.mu.Unlock()
}

// queueMessage enqueues one outbound telephony frame (non-blocking)
func (s *RelaySession) queueMessage(msg any) {
	if s.IsClosed() {
		return
	}
	select {
	case s.writeChan <- msg:
		s.touch()
	default:
		log.Printf("⚠️ [%s] Outbound queue full, rejecting frame", s.ID[:8])
	}
}

// writePump handles all outgoing telephony frames in a single goroutine
func (s *RelaySession) writePump() {
	defer func() {
		_ = s.TwilioConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.TwilioConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-s.CloseChan:
			return
		case msg := <-s.writeChan:
			if err := s.writeOne(msg); err != nil {
				return
			}

			// Drain whatever accumulated while we were writing
			n := len(s.writeChan)
			for i := 0; i < n; i++ {
				select {
				case msg := <-s.writeChan:
					if err := s.writeOne(msg); err != nil {
						return
					}
				default:
				}
			}
		}
	}
}

func (s *RelaySession) writeOne(msg any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		log.Printf("⚠️ [%s] Failed to encode telephony frame: %v", s.ID[:8], err)
		return nil
	}
	_ = s.TwilioConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.TwilioConn.WriteMessage(websocket.TextMessage, data)
}

func (s *RelaySession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Close tears the session down: cancel the commit scheduler, close both
// legs, land in Closed. Idempotent - both legs terminating at once must
// not double-release anything.
func (s *RelaySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosing
	s.mu.Unlock()

	s.committer.Stop()
	close(s.CloseChan)

	if s.ai != nil {
		_ = s.ai.Close()
	}
	if s.TwilioConn != nil {
		s.TwilioConn.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}
