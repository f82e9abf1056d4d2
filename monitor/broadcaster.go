// Package monitor mirrors relayed call audio to passive observer websockets.
// Delivery is best effort: a slow or broken observer is dropped, never the
// audio it was watching.
package monitor

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/syn4pse1/chambatelef/messages"
)

// ErrUnauthorized is returned when a subscriber's key does not match the
// configured shared secret. The connection is closed before any data is sent.
var ErrUnauthorized = errors.New("monitor key mismatch")

const (
	subscriberQueueSize = 256
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
)

// Broadcaster fans relayed audio out to all authorized subscribers.
// It is process-wide shared state: many sessions publish into it and
// observer connects/disconnects interleave arbitrarily. It outlives any
// single session.
type Broadcaster struct {
	key string // shared secret; empty disables the check

	mu   sync.RWMutex
	subs map[*websocket.Conn]*Subscriber
}

// Subscriber is one observer connection with its own send queue, so one
// slow observer never blocks the others or the relay path.
type Subscriber struct {
	b    *Broadcaster
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewBroadcaster creates an empty broadcaster guarded by key
func NewBroadcaster(key string) *Broadcaster {
	return &Broadcaster{
		key:  key,
		subs: make(map[*websocket.Conn]*Subscriber),
	}
}

// Subscribe authorizes conn and adds it to the set. On key mismatch the
// connection is closed with no subscriber created and no data sent.
func (b *Broadcaster) Subscribe(conn *websocket.Conn, providedKey string) (*Subscriber, error) {
	if b.key != "" && providedKey != b.key {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad key"),
			time.Now().Add(writeWait),
		)
		conn.Close()
		return nil, ErrUnauthorized
	}

	sub := &Subscriber{
		b:    b,
		conn: conn,
		send: make(chan []byte, subscriberQueueSize),
	}

	b.mu.Lock()
	b.subs[conn] = sub
	count := len(b.subs)
	b.mu.Unlock()

	log.Printf("👁️ Monitor subscriber connected (%d total)", count)
	return sub, nil
}

// Unsubscribe removes conn's subscriber; idempotent
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	sub, ok := b.subs[conn]
	if ok {
		delete(b.subs, conn)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		sub.once.Do(func() { close(sub.send) })
		log.Printf("👁️ Monitor subscriber disconnected (%d remaining)", count)
	}
}

// Publish delivers env to every current subscriber without blocking. A
// subscriber whose queue is full is dropped; the rest still get the frame.
func (b *Broadcaster) Publish(env *messages.MonitorEnvelope) {
	data, err := sonic.Marshal(env)
	if err != nil {
		log.Printf("⚠️ Failed to encode monitor envelope: %v", err)
		return
	}

	var stalled []*websocket.Conn

	b.mu.RLock()
	for conn, sub := range b.subs {
		select {
		case sub.send <- data:
		default:
			stalled = append(stalled, conn)
		}
	}
	b.mu.RUnlock()

	for _, conn := range stalled {
		log.Printf("⚠️ Dropping slow monitor subscriber")
		b.Unsubscribe(conn)
	}
}

// SubscriberCount returns the number of connected subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber; used on shutdown
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*websocket.Conn]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.send) })
	}
}

// Run starts the subscriber's write pump and blocks reading the connection
// until it drops, then removes the subscriber. Call from the ws handler.
func (s *Subscriber) Run() {
	go s.writePump()
	s.readPump()
}

// readPump discards observer input; it exists to detect disconnects and
// answer pings
func (s *Subscriber) readPump() {
	defer func() {
		s.b.Unsubscribe(s.conn)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(4 * 1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Broadcaster dropped us - send close frame
				_ = s.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.b.Unsubscribe(s.conn)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.b.Unsubscribe(s.conn)
				return
			}
		}
	}
}
