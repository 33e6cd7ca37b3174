// Package mock provides test doubles for the llm package interfaces.
//
// Use Provider to script streaming replies chunk by chunk and inspect the
// CompletionRequest values the orchestrator builds.
package mock

import (
	"context"
	"sync"

	"github.com/voxline-ai/voxline/pkg/provider/llm"
)

// StreamCompletionCall records a single invocation of StreamCompletion.
type StreamCompletionCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the scripted stream emitted by every StreamCompletion call.
	// The mock copies it onto a fresh channel per call and closes the
	// channel after the last chunk.
	Chunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion.
	StreamErr error

	// StreamDelayFn, if set, is called before each chunk is emitted. Tests
	// use it to simulate a slow model.
	StreamDelayFn func(i int)

	// CompleteResponse is returned by Complete when CompleteErr is nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by Complete.
	CompleteErr error

	// TokensPerMessage overrides CountTokens when > 0: the estimate becomes
	// len(messages) * TokensPerMessage.
	TokensPerMessage int

	// StreamCompletionCalls records every call to StreamCompletion.
	StreamCompletionCalls []StreamCompletionCall

	// CompleteCalls records every call to Complete.
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and plays back Chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCompletionCalls = append(p.StreamCompletionCalls, StreamCompletionCall{Ctx: ctx, Req: req})
	chunks := make([]llm.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	streamErr := p.StreamErr
	delayFn := p.StreamDelayFn
	p.mu.Unlock()

	if streamErr != nil {
		return nil, streamErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if delayFn != nil {
				delayFn(i)
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	return p.CompleteResponse, nil
}

// CountTokens returns a deterministic estimate for tests.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokensPerMessage > 0 {
		return len(messages) * p.TokensPerMessage, nil
	}
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// StreamCompletionCallCount returns the number of StreamCompletion calls.
// Thread-safe.
func (p *Provider) StreamCompletionCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCompletionCalls)
}

// LastRequest returns the most recent StreamCompletion request, or a zero
// value if none were made. Thread-safe.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCompletionCalls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.StreamCompletionCalls[len(p.StreamCompletionCalls)-1].Req
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCompletionCalls = nil
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
