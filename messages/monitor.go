package messages

// MonitorEnvelope is the read-only mirror of one relayed frame, delivered
// to every authorized monitor subscriber. StreamSid carries provenance so
// one observer can tell concurrent sessions apart.
type MonitorEnvelope struct {
	Kind         string `json:"kind"` // "in" or "out"
	Codec        string `json:"codec"`
	SampleRateHz int    `json:"sampleRateHz"`
	StreamSid    string `json:"streamSid,omitempty"`
	Payload      string `json:"payload"` // base64 audio
}

// NewMonitorEnvelope tags one relayed frame for fan-out
func NewMonitorEnvelope(direction Direction, format AudioFormat, streamSid, payloadB64 string) *MonitorEnvelope {
	return &MonitorEnvelope{
		Kind:         direction.String(),
		Codec:        format.Encoding,
		SampleRateHz: format.SampleRateHz,
		StreamSid:    streamSid,
		Payload:      payloadB64,
	}
}
