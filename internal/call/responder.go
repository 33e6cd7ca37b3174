package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
)

const (
	// responseChunkBuffer is the depth of the chunk channel between response
	// generation and synthesis. Kept small so barge-in discards at most a
	// couple of unsynthesized sentences.
	responseChunkBuffer = 2

	// defaultMinChunkLen is the minimum sentence-chunk length in bytes.
	// Very short fragments ("Hi. ") are held back and merged with the next
	// sentence so synthesis doesn't produce choppy audio.
	defaultMinChunkLen = 12

	// defaultLLMAttempts bounds stream setup retries.
	defaultLLMAttempts = 3

	// defaultLLMRetryDelay is the first backoff delay; it doubles per
	// attempt.
	defaultLLMRetryDelay = 250 * time.Millisecond

	// defaultFallbackPhrase is spoken when generation fails and no fallback
	// phrases are configured.
	defaultFallbackPhrase = "I'm sorry, I'm having trouble right now. Could you say that again?"
)

// Chunk is a unit of reply text queued for synthesis, usually one complete
// sentence.
type Chunk struct {
	// Text is the sentence to synthesize. May be empty on a pure
	// degradation marker emitted after a mid-stream failure.
	Text string

	// Degraded marks fallback content or a reply cut short by an engine
	// failure.
	Degraded bool
}

// ResponderConfig configures a [Responder].
type ResponderConfig struct {
	Provider     llm.Provider
	ProviderName string

	// SystemPrompt is the agent persona prompt, fixed for the session.
	SystemPrompt string

	Temperature float64
	MaxTokens   int

	// TokenBudget caps the prompt size. The turn window is trimmed from the
	// oldest end until it fits.
	TokenBudget int

	// FirstChunkTimeout bounds the wait for the first reply token.
	FirstChunkTimeout time.Duration

	// CompletionTimeout bounds the full reply generation.
	CompletionTimeout time.Duration

	// MinChunkLen is the minimum sentence-chunk length in bytes. Default 12.
	MinChunkLen int

	// FallbackPhrases are spoken, in rotation, when generation fails.
	FallbackPhrases []string

	// MaxAttempts bounds stream setup retries. Default 3.
	MaxAttempts int

	// RetryDelay is the initial backoff delay, doubled per attempt.
	// Default 250ms.
	RetryDelay time.Duration

	Metrics *observe.Metrics
}

// Responder streams the conversation context to the language model and emits
// reply text as sentence-level chunks, so synthesis can begin before the
// full reply exists.
//
// Failure policy: stream setup failures are retried with bounded exponential
// backoff; after that, or on a timeout, a single fallback phrase is emitted
// and the turn is marked degraded. A mid-stream failure after text was
// already emitted flushes what is buffered and marks the turn degraded
// without retrying, since the caller has already heard part of the reply.
type Responder struct {
	provider llm.Provider
	name     string

	systemPrompt string
	temperature  float64
	maxTokens    int
	tokenBudget  int

	firstChunkTimeout time.Duration
	completionTimeout time.Duration
	minChunkLen       int

	fallbacks   []string
	fallbackIdx atomic.Uint64

	maxAttempts int
	retryDelay  time.Duration

	metrics *observe.Metrics
}

// NewResponder creates a Responder, applying defaults for zero-valued
// tuning fields.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("call: responder requires an llm provider")
	}
	r := &Responder{
		provider:          cfg.Provider,
		name:              cfg.ProviderName,
		systemPrompt:      cfg.SystemPrompt,
		temperature:       cfg.Temperature,
		maxTokens:         cfg.MaxTokens,
		tokenBudget:       cfg.TokenBudget,
		firstChunkTimeout: cfg.FirstChunkTimeout,
		completionTimeout: cfg.CompletionTimeout,
		minChunkLen:       cfg.MinChunkLen,
		fallbacks:         cfg.FallbackPhrases,
		maxAttempts:       cfg.MaxAttempts,
		retryDelay:        cfg.RetryDelay,
		metrics:           cfg.Metrics,
	}
	if r.firstChunkTimeout <= 0 {
		r.firstChunkTimeout = 3 * time.Second
	}
	if r.completionTimeout <= 0 {
		r.completionTimeout = 20 * time.Second
	}
	if r.minChunkLen <= 0 {
		r.minChunkLen = defaultMinChunkLen
	}
	if len(r.fallbacks) == 0 {
		r.fallbacks = []string{defaultFallbackPhrase}
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultLLMAttempts
	}
	if r.retryDelay <= 0 {
		r.retryDelay = defaultLLMRetryDelay
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// Respond starts reply generation for the given turn window and returns the
// chunk stream immediately. The channel is closed when the reply is complete
// or the context is canceled. Respond never fails outright: engine failures
// surface as a degraded fallback chunk.
func (r *Responder) Respond(ctx context.Context, turns []Turn) <-chan Chunk {
	out := make(chan Chunk, responseChunkBuffer)
	go r.generate(ctx, turns, out)
	return out
}

func (r *Responder) generate(ctx context.Context, turns []Turn, out chan<- Chunk) {
	defer close(out)

	req := r.buildRequest(turns)
	start := time.Now()
	delay := r.retryDelay

	var (
		emittedAny bool
		lastErr    error
	)
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		emitted, err := r.streamOnce(ctx, req, out)
		emittedAny = emittedAny || emitted
		if err == nil {
			r.metrics.RecordProviderRequest(ctx, r.name, "llm", "ok")
			r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
			return
		}
		lastErr = err

		if emitted || !errors.Is(err, ErrEngineUnavailable) || ctx.Err() != nil {
			break
		}
		slog.Warn("llm attempt failed, retrying",
			"provider", r.name,
			"attempt", attempt,
			"err", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}

	r.metrics.RecordProviderRequest(ctx, r.name, "llm", "error")
	r.metrics.RecordProviderError(ctx, r.name, "llm")
	if ctx.Err() != nil {
		return
	}

	slog.Warn("llm reply failed, degrading",
		"provider", r.name,
		"partial_reply", emittedAny,
		"err", lastErr,
	)
	chunk := Chunk{Degraded: true}
	if !emittedAny {
		chunk.Text = r.nextFallback()
	}
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

// streamOnce performs a single streaming attempt, forwarding sentence-level
// chunks to out. It reports whether any chunk was emitted, so the caller
// never retries a reply the caller partially heard.
func (r *Responder) streamOnce(ctx context.Context, req llm.CompletionRequest, out chan<- Chunk) (emitted bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.completionTimeout)
	defer cancel()

	ch, err := r.provider.StreamCompletion(reqCtx, req)
	if err != nil {
		return false, fmt.Errorf("call: llm stream setup (%v): %w", err, ErrEngineUnavailable)
	}

	firstTimer := time.NewTimer(r.firstChunkTimeout)
	defer firstTimer.Stop()
	firstC := firstTimer.C
	start := time.Now()

	var buf strings.Builder
	flush := func(text string) bool {
		select {
		case out <- Chunk{Text: text}:
			emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()

		case <-reqCtx.Done():
			// Completion deadline. Flush whatever is buffered; the caller
			// marks the turn degraded.
			if buf.Len() > 0 {
				flush(buf.String())
			}
			return emitted, fmt.Errorf("call: llm reply exceeded %s: %w", r.completionTimeout, ErrEngineTimeout)

		case <-firstC:
			cancel()
			go drainChunks(ch)
			return false, fmt.Errorf("call: no llm output within %s: %w", r.firstChunkTimeout, ErrEngineTimeout)

		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 && !flush(buf.String()) {
					return emitted, ctx.Err()
				}
				return emitted, nil
			}
			if firstC != nil {
				firstC = nil
				r.metrics.LLMFirstChunkDuration.Record(ctx, time.Since(start).Seconds())
			}

			if chunk.FinishReason == "error" {
				if !emitted && buf.Len() == 0 {
					return false, fmt.Errorf("call: llm stream failed: %w", ErrEngineUnavailable)
				}
				if buf.Len() > 0 {
					flush(buf.String())
				}
				return emitted, fmt.Errorf("call: llm stream failed mid-reply: %w", ErrEngineUnavailable)
			}

			buf.WriteString(chunk.Text)

			// Flush complete sentences eagerly so synthesis starts early.
			for {
				idx := sentenceBoundary(buf.String(), r.minChunkLen)
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
				buf.Reset()
				buf.WriteString(rest)
				if !flush(sentence) {
					return emitted, ctx.Err()
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 && !flush(buf.String()) {
					return emitted, ctx.Err()
				}
				return emitted, nil
			}
		}
	}
}

// buildRequest assembles the completion request from the turn window,
// trimming oldest turns until the prompt fits the token budget.
func (r *Responder) buildRequest(turns []Turn) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Speaker == SpeakerAgent {
			role = "assistant"
		}
		if t.Text == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}

	if r.tokenBudget > 0 {
		for len(msgs) > 1 {
			n, err := r.provider.CountTokens(msgs)
			if err != nil || n <= r.tokenBudget {
				break
			}
			msgs = msgs[1:]
		}
	}

	return llm.CompletionRequest{
		SystemPrompt: r.systemPrompt,
		Messages:     msgs,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	}
}

// FallbackPhrase returns the next configured fallback phrase in rotation.
// Used by the session when an upstream stage degraded and the caller should
// hear something rather than silence.
func (r *Responder) FallbackPhrase() string {
	return r.nextFallback()
}

// nextFallback returns the next configured fallback phrase in rotation.
func (r *Responder) nextFallback() string {
	i := r.fallbackIdx.Add(1) - 1
	return r.fallbacks[i%uint64(len(r.fallbacks))]
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// immediately followed by whitespace and sits at or past minLen, so tiny
// fragments are merged into the following sentence. Returns -1 when no such
// boundary exists in s.
func sentenceBoundary(s string, minLen int) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				if i+1 >= minLen {
					return i
				}
			}
		}
	}
	return -1
}

// drainChunks discards remaining chunks so the provider's stream goroutine
// can exit after an abandoned reply.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
