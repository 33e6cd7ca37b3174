// Package llm defines the Provider interface for language model backends.
//
// An LLM provider wraps a remote or local model API and exposes a uniform
// interface for the call orchestrator to stream agent replies, without
// coupling to any specific SDK. Streaming is the primary path: agent speech
// begins as soon as the first sentence of a reply is available, so providers
// must emit chunks incrementally rather than buffering full responses.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant". Caller turns map to
	// "user"; agent turns map to "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is the agent persona and behavior instruction, injected
	// ahead of the conversation history. Providers without a dedicated
	// system field prepend it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation window, oldest first. The last
	// message is the caller utterance driving this reply.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental content. May be empty on a chunk that only
	// carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop" (natural end),
	// "length" (MaxTokens reached), or "error" (stream failed after it
	// started, with Text holding the error message). Empty otherwise.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled, methods return (or close
// their channel) as quickly as possible. Barge-in depends on this.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel emitting
	// Chunk values as they arrive. The implementation closes the channel
	// when generation finishes or ctx is cancelled; callers must drain it.
	//
	// Errors after the stream opens surface as a Chunk with FinishReason
	// "error". The initial error return is non-nil only when the stream
	// cannot start at all. The returned channel is never nil when error is
	// nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience for
	// callers that do not need incremental output, such as the post-call
	// summary pass.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens the given messages would occupy
	// in the model's context window. Used to bound the conversation window
	// before each request; the result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)
}
