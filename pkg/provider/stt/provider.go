// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio and emits two streams of Transcript
// values, low-latency partials for responsiveness and authoritative finals
// for the conversation log.
//
// Implementations must be safe for concurrent use; one session is opened per
// caller utterance or per call depending on the backend's connection cost.
package stt

import (
	"context"
	"time"
)

// StreamConfig describes the audio format and recognition hints for a new
// transcription session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio arrives at
	// 8000; wideband backends may accept 16000.
	SampleRate int

	// Channels is the number of audio channels. Telephony is mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string

	// Keywords biases recognition toward uncommon vocabulary such as
	// company, product, and agent names.
	Keywords []KeywordBoost
}

// KeywordBoost is a vocabulary hint with a provider-specific boost intensity.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// Transcript is a recognition result, partial or final.
type Transcript struct {
	// Text is the transcribed speech.
	Text string

	// IsFinal distinguishes authoritative results from interim guesses.
	// Partials are superseded by later partials and by the final.
	IsFinal bool

	// Confidence is the overall confidence in [0, 1]. Zero if the backend
	// does not report one.
	Confidence float64

	// Words holds per-word detail when the backend provides it.
	Words []WordDetail
}

// WordDetail is per-word timing and confidence from backends that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Close when the session is no longer needed; not doing so
// leaks goroutines and network connections inside the provider. All methods
// are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers raw PCM bytes matching the StreamConfig geometry.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. These drive barge-in heuristics
	// and fallback text but must not enter the conversation log directly.
	// Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits authoritative transcripts, the values recorded as caller
	// turns. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and releases all resources. After Close
	// returns, Partials and Finals are closed. Close is idempotent.
	Close() error
}

// Provider is the abstraction over any STT backend. Multiple sessions may be
// open simultaneously, one per active call.
type Provider interface {
	// StartStream opens a streaming transcription session. The returned
	// handle accepts audio immediately; the caller owns it and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
