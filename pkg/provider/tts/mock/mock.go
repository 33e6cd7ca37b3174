// Package mock provides test doubles for the tts package interfaces.
//
// The mock Provider echoes each consumed text fragment back as a synthetic
// PCM chunk, so tests can assert ordering between text input and audio output
// without a live synthesis backend.
package mock

import (
	"context"
	"sync"

	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	Ctx   context.Context
	Voice tts.Voice

	// Fragments accumulates the text fragments consumed from the text
	// channel, in order. Guard access with the provider's mutex helpers.
	Fragments []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// AudioFn maps a consumed text fragment to the PCM chunk emitted for
	// it. If nil, the fragment's bytes are emitted as-is.
	AudioFn func(fragment string) []byte

	// ChunkDelayFn, if set, is called before each audio chunk is emitted.
	// Tests use it to simulate a slow synthesizer.
	ChunkDelayFn func(fragment string)

	// StartErr, if non-nil, is returned as the error from SynthesizeStream.
	StartErr error

	// FailAfter, when > 0, closes the audio channel early after that many
	// fragments, simulating a mid-stream synthesis failure.
	FailAfter int

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every call to SynthesizeStream.
	SynthesizeCalls []*SynthesizeCall

	// ListVoicesCalls counts the calls to ListVoices.
	ListVoicesCalls int
}

// SynthesizeStream records the call and echoes fragments as audio chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	call := &SynthesizeCall{Ctx: ctx, Voice: voice}
	p.SynthesizeCalls = append(p.SynthesizeCalls, call)
	audioFn := p.AudioFn
	delayFn := p.ChunkDelayFn
	failAfter := p.FailAfter
	startErr := p.StartErr
	p.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	audio := make(chan []byte, 16)
	go func() {
		defer close(audio)
		n := 0
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				call.Fragments = append(call.Fragments, fragment)
				p.mu.Unlock()

				n++
				if failAfter > 0 && n > failAfter {
					// Early close signals a synthesis failure.
					return
				}
				if delayFn != nil {
					delayFn(fragment)
				}
				chunk := []byte(fragment)
				if audioFn != nil {
					chunk = audioFn(fragment)
				}
				select {
				case audio <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// ListVoices records the call and returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.Voices, nil
}

// ListVoicesCallCount returns the number of ListVoices calls. Thread-safe.
func (p *Provider) ListVoicesCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesCalls
}

// SynthesizeCallCount returns the number of SynthesizeStream calls.
// Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// FragmentsOf returns a copy of the fragments consumed by call i, or nil if
// no such call exists. Thread-safe.
func (p *Provider) FragmentsOf(i int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.SynthesizeCalls) {
		return nil
	}
	out := make([]string, len(p.SynthesizeCalls[i].Fragments))
	copy(out, p.SynthesizeCalls[i].Fragments)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}

var _ tts.Provider = (*Provider)(nil)
