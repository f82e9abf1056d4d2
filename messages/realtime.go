package messages

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Voice backend wire messages. The relay speaks the realtime API's JSON
// protocol directly over a websocket: one session.update on open, then
// input_audio_buffer.append / input_audio_buffer.commit for the call's
// duration, with output_audio.delta events flowing back.

const (
	TypeSessionUpdate    = "session.update"
	TypeResponseCreate   = "response.create"
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeInputAudioCommit = "input_audio_buffer.commit"
	TypeOutputAudioDelta = "output_audio.delta"
)

// SessionUpdate declares the persona and the requested output audio format,
// pinned to the telephony leg's format so no transcoding is needed downstream
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Instructions      string      `json:"instructions"`
	OutputAudioFormat AudioFormat `json:"output_audio_format"`
}

// ResponseCreate asks the backend to speak; used once for the opening greeting
type ResponseCreate struct {
	Type     string         `json:"type"`
	Response ResponseConfig `json:"response"`
}

type ResponseConfig struct {
	Instructions string `json:"instructions"`
}

// InputAudioAppend adds one chunk to the backend's input buffer
type InputAudioAppend struct {
	Type   string      `json:"type"`
	Audio  string      `json:"audio"` // base64
	Format AudioFormat `json:"format"`
}

// InputAudioCommit tells the backend to process everything appended since
// the previous commit
type InputAudioCommit struct {
	Type string `json:"type"`
}

func NewSessionUpdate(instructions string, format AudioFormat) *SessionUpdate {
	return &SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionConfig{
			Instructions:      instructions,
			OutputAudioFormat: format,
		},
	}
}

func NewResponseCreate(instructions string) *ResponseCreate {
	return &ResponseCreate{
		Type:     TypeResponseCreate,
		Response: ResponseConfig{Instructions: instructions},
	}
}

func NewInputAudioAppend(audioB64 string, format AudioFormat) *InputAudioAppend {
	return &InputAudioAppend{
		Type:   TypeInputAudioAppend,
		Audio:  audioB64,
		Format: format,
	}
}

func NewInputAudioCommit() *InputAudioCommit {
	return &InputAudioCommit{Type: TypeInputAudioCommit}
}

// RealtimeEvent is one decoded inbound backend message
type RealtimeEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"` // base64 audio, set for audio deltas
}

// IsAudioDelta reports whether the event carries an output audio chunk
func (e *RealtimeEvent) IsAudioDelta() bool {
	return e.Type == TypeOutputAudioDelta
}

// ParseRealtimeEvent decodes one backend message. The backend emits many
// event types beyond the audio delta; those come back with IsAudioDelta()
// false and the caller decides whether to care.
func ParseRealtimeEvent(data []byte) (*RealtimeEvent, error) {
	var evt RealtimeEvent
	if err := sonic.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("malformed backend event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("backend event missing type")
	}
	return &evt, nil
}
