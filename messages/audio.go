package messages

// Direction says which way a frame is moving through the relay
type Direction int

const (
	// Inbound frames travel telephony leg -> voice backend
	Inbound Direction = iota
	// Outbound frames travel voice backend -> telephony leg
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// AudioFormat describes the sample format shared by both legs of a session.
// It is negotiated once when the backend session opens and never changes.
type AudioFormat struct {
	Encoding     string `json:"type"` // e.g. "mulaw"
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// AudioFrame is one chunk of audio moving in one direction on one leg.
// Frames are ephemeral; nothing persists them.
type AudioFrame struct {
	Direction Direction
	Format    AudioFormat
	Payload   []byte
}
