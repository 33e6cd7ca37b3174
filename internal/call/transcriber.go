package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
)

const (
	// defaultSTTAttempts bounds stream setup retries before the segment is
	// given up and the call degrades.
	defaultSTTAttempts = 3

	// defaultSTTRetryDelay is the first backoff delay; it doubles per
	// attempt.
	defaultSTTRetryDelay = 200 * time.Millisecond

	// defaultFinalTimeout is how long to wait for a final transcript after
	// the segment's audio has been fully delivered.
	defaultFinalTimeout = 1500 * time.Millisecond
)

// TranscriptResult is the terminal transcript for one audio segment.
type TranscriptResult struct {
	// Text is the finalized transcript.
	Text string

	// Confidence is the engine-reported confidence, or the last partial's
	// confidence when Degraded.
	Confidence float64

	// Degraded is true when the final transcript never arrived and Text was
	// synthesized from the last partial.
	Degraded bool
}

// TranscriberConfig configures a [Transcriber].
type TranscriberConfig struct {
	Provider     stt.Provider
	ProviderName string

	// Stream is the per-segment stream configuration (sample rate, language,
	// vocabulary boosts).
	Stream stt.StreamConfig

	// FinalTimeout bounds the wait for a final transcript after all segment
	// audio was sent. Default 1.5s.
	FinalTimeout time.Duration

	// MaxAttempts bounds stream retries on connection failure. Default 3.
	MaxAttempts int

	// RetryDelay is the initial backoff delay, doubled per attempt.
	// Default 200ms.
	RetryDelay time.Duration

	Metrics *observe.Metrics
}

// Transcriber feeds finalized speech segments to the STT engine and produces
// one terminal transcript per segment.
//
// Partial transcripts supersede each other; only the final is durable. When
// the engine misses the final-transcript deadline, the last partial is
// promoted to a degraded final rather than losing the utterance. Connection
// failures are retried with bounded exponential backoff; after that the
// segment is abandoned with [ErrEngineUnavailable] and the session plays a
// fallback prompt instead of crashing.
type Transcriber struct {
	provider stt.Provider
	name     string
	stream   stt.StreamConfig

	finalTimeout time.Duration
	maxAttempts  int
	retryDelay   time.Duration

	metrics *observe.Metrics
}

// NewTranscriber creates a Transcriber, applying defaults for zero-valued
// tuning fields.
func NewTranscriber(cfg TranscriberConfig) (*Transcriber, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("call: transcriber requires an stt provider")
	}
	t := &Transcriber{
		provider:     cfg.Provider,
		name:         cfg.ProviderName,
		stream:       cfg.Stream,
		finalTimeout: cfg.FinalTimeout,
		maxAttempts:  cfg.MaxAttempts,
		retryDelay:   cfg.RetryDelay,
		metrics:      cfg.Metrics,
	}
	if t.finalTimeout <= 0 {
		t.finalTimeout = defaultFinalTimeout
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = defaultSTTAttempts
	}
	if t.retryDelay <= 0 {
		t.retryDelay = defaultSTTRetryDelay
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t, nil
}

// Transcribe streams the segment's audio to the STT engine and blocks until
// a terminal transcript is available or the segment must be abandoned.
//
// Connection-class failures ([ErrEngineUnavailable]) are retried from the
// start of the segment, since the full audio is held in the finalized
// segment. Timeouts are not retried: the last partial, when present, is
// already the best available text.
func (t *Transcriber) Transcribe(ctx context.Context, seg *audio.Segment) (TranscriptResult, error) {
	start := time.Now()
	delay := t.retryDelay

	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		res, err := t.transcribeOnce(ctx, seg)
		if err == nil {
			t.metrics.RecordProviderRequest(ctx, t.name, "stt", "ok")
			t.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
			return res, nil
		}
		lastErr = err

		if !errors.Is(err, ErrEngineUnavailable) || ctx.Err() != nil {
			break
		}
		slog.Warn("stt attempt failed, retrying",
			"provider", t.name,
			"attempt", attempt,
			"start_seq", seg.StartSeq,
			"err", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()
		}
		delay *= 2
	}

	t.metrics.RecordProviderRequest(ctx, t.name, "stt", "error")
	t.metrics.RecordProviderError(ctx, t.name, "stt")
	return TranscriptResult{}, lastErr
}

// transcribeOnce performs a single stream attempt for the segment.
func (t *Transcriber) transcribeOnce(ctx context.Context, seg *audio.Segment) (TranscriptResult, error) {
	sess, err := t.provider.StartStream(ctx, t.stream)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("call: stt stream setup (%v): %w", err, ErrEngineUnavailable)
	}

	for _, f := range seg.Frames() {
		if err := sess.SendAudio(f.PCM); err != nil {
			_ = sess.Close()
			return TranscriptResult{}, fmt.Errorf("call: stt send audio (%v): %w", err, ErrEngineUnavailable)
		}
	}

	// Close flushes the stream so the engine emits its final. Closing in a
	// goroutine keeps this loop free to drain partials while the engine
	// winds down.
	closeDone := make(chan error, 1)
	go func() { closeDone <- sess.Close() }()
	defer func() { <-closeDone }()

	var (
		lastPartial stt.Transcript
		havePartial bool
	)
	timeout := time.NewTimer(t.finalTimeout)
	defer timeout.Stop()

	partials := sess.Partials()
	finals := sess.Finals()
	for {
		select {
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()

		case p, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			// Later partials replace, not append to, earlier ones.
			lastPartial = p
			havePartial = true

		case f, ok := <-finals:
			if !ok {
				// Stream ended without a final. The last partial, when
				// present, is the best text we will ever get.
				if havePartial {
					return degradedResult(lastPartial), nil
				}
				return TranscriptResult{}, fmt.Errorf("call: stt stream closed without final: %w", ErrEngineUnavailable)
			}
			return TranscriptResult{Text: f.Text, Confidence: f.Confidence}, nil

		case <-timeout.C:
			if havePartial {
				slog.Warn("stt final timed out, promoting last partial",
					"provider", t.name,
					"start_seq", seg.StartSeq,
					"partial", lastPartial.Text,
				)
				return degradedResult(lastPartial), nil
			}
			return TranscriptResult{}, fmt.Errorf("call: no transcript within %s: %w", t.finalTimeout, ErrEngineTimeout)
		}
	}
}

// degradedResult promotes the last partial transcript to a low-confidence
// final.
func degradedResult(p stt.Transcript) TranscriptResult {
	return TranscriptResult{Text: p.Text, Confidence: p.Confidence, Degraded: true}
}
