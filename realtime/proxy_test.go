package realtime

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/syn4pse1/chambatelef/messages"
)

var testFormat = messages.AudioFormat{Encoding: "mulaw", SampleRateHz: 8000, Channels: 1}

// fakeBackend is a loopback realtime endpoint capturing whatever the proxy sends
type fakeBackend struct {
	conns   chan *websocket.Conn
	headers chan http.Header
	queries chan string
}

func newFakeBackend(t *testing.T) (*fakeBackend, string) {
	t.Helper()

	fb := &fakeBackend{
		conns:   make(chan *websocket.Conn, 1),
		headers: make(chan http.Header, 1),
		queries: make(chan string, 1),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.headers <- r.Header.Clone()
		fb.queries <- r.URL.Query().Get("model")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fb.conns <- conn
	}))
	t.Cleanup(srv.Close)

	return fb, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fb *fakeBackend) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fb.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("backend connection never arrived")
		return nil
	}
}

func (fb *fakeBackend) readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("backend read error: %v", err)
	}
	var frame map[string]any
	if err := sonic.Unmarshal(data, &frame); err != nil {
		t.Fatalf("backend received invalid JSON: %v", err)
	}
	return frame
}

func newTestProxy(t *testing.T, fb *fakeBackend, url string) (*Proxy, *websocket.Conn) {
	t.Helper()
	proxy, err := NewProxy(context.Background(), Config{
		URL:    url,
		Model:  "gpt-4o-realtime",
		APIKey: "sk-test",
		Format: testFormat,
	})
	if err != nil {
		t.Fatalf("NewProxy() error = %v", err)
	}
	t.Cleanup(func() { proxy.Close() })
	return proxy, fb.conn(t)
}

func TestProxyDialSendsAuth(t *testing.T) {
	fb, url := newFakeBackend(t)
	newTestProxy(t, fb, url)

	header := <-fb.headers
	if got := header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if got := <-fb.queries; got != "gpt-4o-realtime" {
		t.Errorf("model query = %q", got)
	}
}

func TestProxySetupConfiguresSession(t *testing.T) {
	fb, url := newFakeBackend(t)
	proxy, conn := newTestProxy(t, fb, url)

	if err := proxy.Setup("talk like a pirate", "say hello"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	update := fb.readFrame(t, conn)
	if update["type"] != messages.TypeSessionUpdate {
		t.Fatalf("first frame type = %v", update["type"])
	}
	session, _ := update["session"].(map[string]any)
	if session["instructions"] != "talk like a pirate" {
		t.Errorf("instructions = %v", session["instructions"])
	}
	format, _ := session["output_audio_format"].(map[string]any)
	if format["type"] != "mulaw" || format["sample_rate_hz"] != float64(8000) || format["channels"] != float64(1) {
		t.Errorf("output_audio_format = %v", format)
	}

	greeting := fb.readFrame(t, conn)
	if greeting["type"] != messages.TypeResponseCreate {
		t.Errorf("second frame type = %v", greeting["type"])
	}
}

func TestProxySetupSkipsEmptyGreeting(t *testing.T) {
	fb, url := newFakeBackend(t)
	proxy, conn := newTestProxy(t, fb, url)

	if err := proxy.Setup("persona", ""); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := proxy.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	fb.readFrame(t, conn) // session.update
	next := fb.readFrame(t, conn)
	if next["type"] != messages.TypeInputAudioCommit {
		t.Errorf("frame after session.update = %v, want the commit", next["type"])
	}
}

func TestProxyAppendAndCommit(t *testing.T) {
	fb, url := newFakeBackend(t)
	proxy, conn := newTestProxy(t, fb, url)

	audio := []byte{0x7f, 0xff, 0x00}
	if err := proxy.AppendInbound(audio); err != nil {
		t.Fatalf("AppendInbound() error = %v", err)
	}

	appendFrame := fb.readFrame(t, conn)
	if appendFrame["type"] != messages.TypeInputAudioAppend {
		t.Fatalf("frame type = %v", appendFrame["type"])
	}
	if appendFrame["audio"] != base64.StdEncoding.EncodeToString(audio) {
		t.Errorf("audio = %v", appendFrame["audio"])
	}
	format, _ := appendFrame["format"].(map[string]any)
	if format["type"] != "mulaw" {
		t.Errorf("format = %v", format)
	}

	if err := proxy.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	commitFrame := fb.readFrame(t, conn)
	if commitFrame["type"] != messages.TypeInputAudioCommit {
		t.Errorf("frame type = %v", commitFrame["type"])
	}
}

func TestProxyDeliversAudioDeltas(t *testing.T) {
	fb, url := newFakeBackend(t)
	proxy, conn := newTestProxy(t, fb, url)

	deltas := make(chan string, 4)
	proxy.OnAudioDelta = func(deltaB64 string) { deltas <- deltaB64 }
	proxy.StartReceiving(context.Background())

	frames := []string{
		`{"type":"output_audio.delta","delta":"Zmlyc3Q="}`,
		`{"type":`, // malformed, must be discarded without killing the stream
		`{"type":"response.done"}`,
		`{"type":"output_audio.delta","delta":"c2Vjb25k"}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("backend write error: %v", err)
		}
	}

	for _, want := range []string{"Zmlyc3Q=", "c2Vjb25k"} {
		select {
		case got := <-deltas:
			if got != want {
				t.Errorf("delta = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delta %q never delivered", want)
		}
	}
}

func TestProxyBackendDropFiresOnError(t *testing.T) {
	fb, url := newFakeBackend(t)
	proxy, conn := newTestProxy(t, fb, url)

	errCh := make(chan error, 1)
	proxy.OnError = func(err error) { errCh <- err }
	proxy.StartReceiving(context.Background())

	conn.Close()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("backend drop never reported")
	}
}

func TestProxyCloseIdempotent(t *testing.T) {
	fb, url := newFakeBackend(t)
	proxy, _ := newTestProxy(t, fb, url)

	if err := proxy.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := proxy.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := proxy.Commit(); err == nil {
		t.Error("Commit() succeeded on a closed proxy")
	}
}

func TestProxyDialFailure(t *testing.T) {
	_, err := NewProxy(context.Background(), Config{
		URL:    "ws://127.0.0.1:1",
		Model:  "gpt-4o-realtime",
		APIKey: "sk-test",
		Format: testFormat,
	})
	if err == nil {
		t.Fatal("NewProxy() succeeded against a dead endpoint")
	}
}
