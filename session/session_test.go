package session

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syn4pse1/chambatelef/messages"
)

var testAudioFormat = messages.AudioFormat{Encoding: "mulaw", SampleRateHz: 8000, Channels: 1}

// fakeAILeg records everything the session pushes at the voice backend
type fakeAILeg struct {
	mu      sync.Mutex
	appends [][]byte
	commits int
	closes  int
}

func (f *fakeAILeg) AppendInbound(audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, append([]byte(nil), audio...))
	return nil
}

func (f *fakeAILeg) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeAILeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeAILeg) snapshot() (appends [][]byte, commits, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.appends...), f.commits, f.closes
}

// newConnPair upgrades a loopback websocket and returns both ends
func newConnPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never arrived")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func newTestSession(t *testing.T) (*RelaySession, *fakeAILeg, *websocket.Conn) {
	t.Helper()
	server, client := newConnPair(t)
	sess := NewRelaySession("test-session-0001", server, testAudioFormat, time.Hour, nil)
	fake := &fakeAILeg{}
	sess.ai = fake
	t.Cleanup(func() { sess.Close() })
	return sess, fake, client
}

func TestSessionRelaysCallToBackend(t *testing.T) {
	sess, fake, client := newTestSession(t)
	sess.Start()

	chunkA := []byte("chunk-A")
	chunkB := []byte("chunk-B")

	frames := []map[string]any{
		{"event": "connected", "protocol": "Call"},
		{"event": "start", "start": map[string]any{"streamSid": "MZtest1"}},
		{"event": "media", "media": map[string]any{"payload": base64.StdEncoding.EncodeToString(chunkA)}},
		{"event": "media", "media": map[string]any{"payload": base64.StdEncoding.EncodeToString(chunkB)}},
		{"event": "stop"},
	}
	for _, frame := range frames {
		if err := client.WriteJSON(frame); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	select {
	case <-sess.CloseChan:
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed after stop event")
	}

	waitFor(t, func() bool { return sess.State() == StateClosed })

	if sess.StreamSid() != "MZtest1" {
		t.Errorf("StreamSid() = %q, want MZtest1", sess.StreamSid())
	}

	appends, _, closes := fake.snapshot()
	if len(appends) != 2 {
		t.Fatalf("appends = %d, want 2", len(appends))
	}
	if string(appends[0]) != "chunk-A" || string(appends[1]) != "chunk-B" {
		t.Errorf("appends out of order or corrupted: %q, %q", appends[0], appends[1])
	}
	if closes != 1 {
		t.Errorf("backend closed %d times, want 1", closes)
	}
}

func TestDeltaBeforeStartIsDropped(t *testing.T) {
	sess, _, _ := newTestSession(t)

	sess.HandleDelta(base64.StdEncoding.EncodeToString([]byte("early")))

	if n := len(sess.writeChan); n != 0 {
		t.Errorf("queued %d frames for a session with no stream id", n)
	}
}

func TestDeltaTaggedWithStreamSid(t *testing.T) {
	sess, _, client := newTestSession(t)
	sess.Start()

	start := map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZtag"}}
	if err := client.WriteJSON(start); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	waitFor(t, func() bool { return sess.StreamSid() == "MZtag" })

	payload := base64.StdEncoding.EncodeToString([]byte("backend-audio"))
	sess.HandleDelta(payload)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	var media struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := client.ReadJSON(&media); err != nil {
		t.Fatalf("ReadJSON(media) error = %v", err)
	}
	if media.Event != "media" || media.StreamSid != "MZtag" || media.Media.Payload != payload {
		t.Errorf("media frame = %+v", media)
	}

	var mark struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Mark      struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := client.ReadJSON(&mark); err != nil {
		t.Fatalf("ReadJSON(mark) error = %v", err)
	}
	if mark.Event != "mark" || mark.StreamSid != "MZtag" || mark.Mark.Name != "ai-chunk" {
		t.Errorf("mark frame = %+v", mark)
	}
}

func TestDuplicateStartIgnored(t *testing.T) {
	sess, _, client := newTestSession(t)
	sess.Start()

	first := map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZfirst"}}
	second := map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZsecond"}}
	if err := client.WriteJSON(first); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := client.WriteJSON(second); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	waitFor(t, func() bool { return sess.StreamSid() != "" })
	time.Sleep(50 * time.Millisecond)

	if sess.StreamSid() != "MZfirst" {
		t.Errorf("StreamSid() = %q, want MZfirst", sess.StreamSid())
	}
	if sess.State() != StateActive {
		t.Errorf("State() = %v, want active", sess.State())
	}
}

func TestMalformedFrameDiscarded(t *testing.T) {
	sess, fake, client := newTestSession(t)
	sess.Start()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"event":`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	good := map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte("after"))},
	}
	if err := client.WriteJSON(good); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	waitFor(t, func() bool {
		appends, _, _ := fake.snapshot()
		return len(appends) == 1
	})
	if sess.IsClosed() {
		t.Error("session closed by a malformed frame")
	}
}

func TestCommitOnlyWhileActive(t *testing.T) {
	sess, fake, client := newTestSession(t)
	sess.Start()

	// Pending: the cadence guard must swallow the fire
	sess.commit()
	if _, commits, _ := fake.snapshot(); commits != 0 {
		t.Fatalf("committed %d times while pending", commits)
	}

	start := map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZc"}}
	if err := client.WriteJSON(start); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	waitFor(t, func() bool { return sess.State() == StateActive })

	sess.commit()
	if _, commits, _ := fake.snapshot(); commits != 1 {
		t.Fatalf("commits = %d, want 1", commits)
	}

	sess.Close()
	sess.commit()
	if _, commits, _ := fake.snapshot(); commits != 1 {
		t.Errorf("committed after close")
	}
}

func TestCloseIdempotent(t *testing.T) {
	sess, fake, client := newTestSession(t)
	sess.Start()

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if sess.State() != StateClosed {
		t.Errorf("State() = %v, want closed", sess.State())
	}
	if _, _, closes := fake.snapshot(); closes != 1 {
		t.Errorf("backend closed %d times, want 1", closes)
	}

	// The telephony leg must see the session end too
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
	}
}

func TestOutboundQueueRejectsNewestOnOverflow(t *testing.T) {
	server, _ := newConnPair(t)
	sess := NewRelaySession("overflow-session-1", server, testAudioFormat, time.Hour, nil)
	sess.ai = &fakeAILeg{}
	t.Cleanup(func() { sess.Close() })

	// No write pump running, so the queue only fills
	for i := 0; i < writeQueueSize; i++ {
		sess.queueMessage(messages.NewTwilioMedia("MZq", "YQ=="))
	}
	if len(sess.writeChan) != writeQueueSize {
		t.Fatalf("queue length = %d, want %d", len(sess.writeChan), writeQueueSize)
	}

	sess.queueMessage(messages.NewTwilioMedia("MZq", "cmVqZWN0ZWQ="))
	if len(sess.writeChan) != writeQueueSize {
		t.Errorf("overflow grew the queue to %d", len(sess.writeChan))
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateActive, "active"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
