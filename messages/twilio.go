package messages

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrUnknownEvent is returned when a telephony frame carries an event name
// outside the protocol's closed set
var ErrUnknownEvent = errors.New("unknown telephony event")

// TwilioEventKind identifies one of the telephony stream events we handle
type TwilioEventKind string

const (
	EventConnected TwilioEventKind = "connected"
	EventStart     TwilioEventKind = "start"
	EventMedia     TwilioEventKind = "media"
	EventStop      TwilioEventKind = "stop"
	EventMark      TwilioEventKind = "mark"
)

// TwilioEvent is the decoded form of one inbound telephony frame
type TwilioEvent struct {
	Kind      TwilioEventKind
	StreamSid string // set for start events
	Payload   []byte // decoded audio bytes, set for media events
	MarkName  string // set for mark events
}

// twilioFrame mirrors the wire shape of Twilio Media Streams messages
type twilioFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// ParseTwilioEvent decodes one telephony frame into a tagged event.
// Unrecognized event names return ErrUnknownEvent so callers can tell
// "new protocol variant" apart from "garbled frame".
func ParseTwilioEvent(data []byte) (*TwilioEvent, error) {
	var frame twilioFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed telephony frame: %w", err)
	}

	switch frame.Event {
	case "connected":
		return &TwilioEvent{Kind: EventConnected}, nil

	case "start":
		if frame.Start == nil || frame.Start.StreamSid == "" {
			return nil, fmt.Errorf("start event missing streamSid")
		}
		return &TwilioEvent{Kind: EventStart, StreamSid: frame.Start.StreamSid}, nil

	case "media":
		if frame.Media == nil {
			return nil, fmt.Errorf("media event missing media payload")
		}
		payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("media payload is not valid base64: %w", err)
		}
		return &TwilioEvent{Kind: EventMedia, Payload: payload}, nil

	case "stop":
		return &TwilioEvent{Kind: EventStop}, nil

	case "mark":
		evt := &TwilioEvent{Kind: EventMark}
		if frame.Mark != nil {
			evt.MarkName = frame.Mark.Name
		}
		return evt, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

// Media carries one base64 audio chunk back to the telephony leg

type Media struct {
	Payload string `json:"payload"` // Base64-encoded mu-law audio data
}

type Mark struct {
	Name string `json:"name"`
}

// TwilioMedia is an outbound media frame, always tagged with the stream SID
type TwilioMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     Media  `json:"media"`
}

// TwilioMark is an outbound synchronization marker
type TwilioMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      Mark   `json:"mark"`
}

func NewTwilioMedia(streamSid string, payloadB64 string) *TwilioMedia {
	return &TwilioMedia{
		Event:     "media",
		StreamSid: streamSid,
		Media:     Media{Payload: payloadB64},
	}
}

func NewTwilioMark(streamSid string, name string) *TwilioMark {
	return &TwilioMark{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      Mark{Name: name},
	}
}
