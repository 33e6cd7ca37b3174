// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface. The primary entry point is SynthesizeStream, which
// accepts a channel of text fragments and returns a channel of raw PCM audio
// as it becomes available, so agent speech can begin while the language model
// is still generating the rest of the reply.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes a synthesis voice configuration for an agent persona.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS backend this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend. Multiple synthesis
// streams may run in parallel, one per active call.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel emitting raw PCM audio chunks as they are
	// synthesized, letting the caller pipe streaming LLM output directly
	// into synthesis.
	//
	// The audio channel is closed by the implementation when all text has
	// been synthesized or when ctx is cancelled. The caller must drain it.
	// Errors during synthesis are signalled by closing the channel early;
	// callers check ctx.Err() to distinguish cancellation.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]Voice, error)
}
