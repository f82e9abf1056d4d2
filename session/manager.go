package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/syn4pse1/chambatelef/config"
	"github.com/syn4pse1/chambatelef/messages"
	"github.com/syn4pse1/chambatelef/monitor"
	"github.com/syn4pse1/chambatelef/realtime"
)

// Manager owns all live relay sessions
type Manager struct {
	sessions    map[string]*RelaySession
	mu          sync.RWMutex
	redis       *redis.Client
	config      *config.Config
	broadcaster *monitor.Broadcaster

	// connectAI opens the voice backend leg for a session; replaceable
	// in tests
	connectAI func(ctx context.Context, s *RelaySession) (AILeg, error)
}

// NewManager creates a session manager with an optional Redis registry
func NewManager(cfg *config.Config, broadcaster *monitor.Broadcaster) (*Manager, error) {
	// Try to connect to Redis, but don't fail if unavailable
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Redis unavailable, continue without it
		redisClient = nil
	}

	m := &Manager{
		sessions:    make(map[string]*RelaySession),
		redis:       redisClient,
		config:      cfg,
		broadcaster: broadcaster,
	}
	m.connectAI = m.connectRealtime
	return m, nil
}

// CreateSession builds one relay session for a freshly upgraded telephony
// connection: session shell first, then the backend leg. A backend dial
// failure is fatal for this session only - no retry, nothing registered.
func (m *Manager) CreateSession(ctx context.Context, twilioConn *websocket.Conn) (*RelaySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("maximum sessions reached")
	}

	sessionID := uuid.New().String()

	format := messages.AudioFormat{
		Encoding:     m.config.AudioEncoding,
		SampleRateHz: m.config.AudioSampleRate,
		Channels:     m.config.AudioChannels,
	}

	var broadcaster *monitor.Broadcaster
	if m.config.MonitorEnabled {
		broadcaster = m.broadcaster
	}

	sess := NewRelaySession(sessionID, twilioConn, format, m.config.CommitInterval, broadcaster)

	ai, err := m.connectAI(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("failed to open voice backend leg: %w", err)
	}
	sess.ai = ai

	m.storeSession(ctx, sessionID, sess)
	return sess, nil
}

// connectRealtime opens and wires the production backend leg
func (m *Manager) connectRealtime(ctx context.Context, sess *RelaySession) (AILeg, error) {
	proxy, err := realtime.NewProxy(ctx, realtime.Config{
		URL:    m.config.RealtimeURL,
		Model:  m.config.RealtimeModel,
		APIKey: m.config.OpenAIKey,
		Format: sess.format,
	})
	if err != nil {
		return nil, err
	}

	proxy.OnAudioDelta = sess.HandleDelta
	proxy.OnError = func(err error) {
		// Backend leg dropped mid-call: the whole session comes down
		log.Printf("🔌 [%s] Closing session, backend leg failed: %v", sess.ID[:8], err)
		sess.Close()
	}

	instructions := m.config.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}

	if err := proxy.Setup(instructions, m.config.Greeting); err != nil {
		proxy.Close()
		return nil, err
	}

	proxy.StartReceiving(ctx)
	return proxy, nil
}

// storeSession saves a session to memory and Redis
func (m *Manager) storeSession(ctx context.Context, sessionID string, sess *RelaySession) {
	m.sessions[sessionID] = sess

	if m.redis != nil {
		m.redis.HSet(ctx, "session:"+sessionID, map[string]interface{}{
			"created_at":    sess.CreatedAt.Format(time.RFC3339),
			"last_activity": sess.LastActivity().Format(time.RFC3339),
			"status":        "active",
		})
		m.redis.SAdd(ctx, "active_sessions", sessionID)
		m.redis.Expire(ctx, "session:"+sessionID, m.config.SessionTimeout)
	}
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(sessionID string) (*RelaySession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[sessionID]
	return sess, exists
}

// RemoveSession cleans up and removes a session
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[sessionID]
	if !exists {
		return nil
	}

	sess.Close()
	delete(m.sessions, sessionID)

	if m.redis != nil {
		m.redis.Del(ctx, "session:"+sessionID)
		m.redis.SRem(ctx, "active_sessions", sessionID)
	}

	return nil
}

// GetActiveSessionCount returns current session count
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (m *Manager) CleanupInactiveSessions(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.config.SessionTimeout {
			sess.Close()
			delete(m.sessions, id)

			if m.redis != nil {
				m.redis.Del(ctx, "session:"+id)
				m.redis.SRem(ctx, "active_sessions", id)
			}
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		sess.Close()
		delete(m.sessions, id)
	}

	if m.redis != nil {
		m.redis.Close()
	}
}
