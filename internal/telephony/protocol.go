// Package telephony bridges the carrier's media-stream WebSocket to call
// sessions. It speaks the Twilio Media Streams protocol: JSON envelopes
// carrying base64-encoded 8 kHz mu-law audio in 20 ms frames.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/voxline-ai/voxline/pkg/audio"
)

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Message is the JSON envelope exchanged over the media-stream WebSocket.
// Exactly one of the payload fields is set, matching Event.
type Message struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
}

// StartPayload announces a new media stream and identifies the call.
type StartPayload struct {
	StreamSID  string   `json:"streamSid"`
	AccountSID string   `json:"accountSid"`
	CallSID    string   `json:"callSid"`
	Tracks     []string `json:"tracks"`

	MediaFormat MediaFormat `json:"mediaFormat"`

	// CustomParameters carries values set on the stream by the voice
	// webhook, such as the caller and callee numbers.
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one frame of base64-encoded mu-law audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload is a named position marker in the outbound audio stream. The
// carrier echoes it back once all audio queued before it has been played.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload announces the end of the media stream.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// ParseMessage decodes one WebSocket text frame into a [Message].
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("telephony: parse message: %w", err)
	}
	if m.Event == "" {
		return Message{}, fmt.Errorf("telephony: message without event")
	}
	return m, nil
}

// DecodeAudio decodes the base64 mu-law payload into 16-bit linear PCM.
func (p *MediaPayload) DecodeAudio() ([]byte, error) {
	ulaw, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return audio.DecodeUlaw(ulaw), nil
}

// MediaMessage builds an outbound media event from 16-bit linear PCM,
// encoding it as base64 mu-law.
func MediaMessage(streamSID string, pcm []byte) Message {
	return Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media: &MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(audio.EncodeUlaw(pcm)),
		},
	}
}

// MarkMessage builds an outbound mark event with the given name.
func MarkMessage(streamSID, name string) Message {
	return Message{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
}

// ClearMessage builds an outbound clear event, telling the carrier to drop
// any audio it has buffered but not yet played. Sent on barge-in so the
// caller stops hearing the interrupted reply immediately.
func ClearMessage(streamSID string) Message {
	return Message{Event: EventClear, StreamSID: streamSID}
}

// Encode marshals the message for transmission.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("telephony: encode %s message: %w", m.Event, err)
	}
	return data, nil
}
