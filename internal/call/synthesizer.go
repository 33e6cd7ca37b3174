package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

const (
	// defaultOutboundFrames is the outbound queue capacity in frames.
	// 25 frames of 20ms is 500ms of audio: enough to ride out transport
	// jitter, small enough that a barge-in flush feels instant.
	defaultOutboundFrames = 25

	// defaultChunkTimeout bounds the wait for each audio chunk from the
	// synthesis engine.
	defaultChunkTimeout = 5 * time.Second

	// promptToneMs and promptToneHz shape the canned attention tone played
	// when synthesis fails on the first chunk of a turn.
	promptToneMs = 400
	promptToneHz = 440
)

// SynthesizerConfig configures a [Synthesizer].
type SynthesizerConfig struct {
	Provider     tts.Provider
	ProviderName string
	Voice        tts.Voice

	// SampleRate and FrameMs define the outbound frame geometry. Defaults
	// 8000 Hz / 20 ms.
	SampleRate int
	FrameMs    int

	// BufferFrames is the outbound queue capacity. Default 25 (500ms).
	BufferFrames int

	// ChunkTimeout bounds the wait for each audio chunk from the engine.
	// Default 5s.
	ChunkTimeout time.Duration

	Metrics *observe.Metrics
}

// Synthesizer consumes reply chunks in strict FIFO order, synthesizes each
// through the TTS engine, and queues the resulting audio frames for the
// telephony transport to pull at its own cadence.
//
// The outbound queue applies backpressure: when the transport drains slower
// than synthesis produces, the synthesis goroutine blocks rather than
// growing the queue, so outbound buffering never exceeds its configured
// capacity.
//
// Failure policy: a failed chunk is skipped and logged, unless it is the
// first chunk of the turn, in which case a canned prompt tone is played and
// the rest of the turn is abandoned.
type Synthesizer struct {
	provider tts.Provider
	name     string
	voice    tts.Voice

	sampleRate   int
	frameBytes   int
	chunkTimeout time.Duration

	out chan audio.Frame
	seq uint64

	mu          sync.Mutex
	speakCancel context.CancelFunc

	metrics *observe.Metrics
}

// NewSynthesizer creates a Synthesizer, applying defaults for zero-valued
// tuning fields.
func NewSynthesizer(cfg SynthesizerConfig) (*Synthesizer, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("call: synthesizer requires a tts provider")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = defaultOutboundFrames
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = defaultChunkTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Synthesizer{
		provider:     cfg.Provider,
		name:         cfg.ProviderName,
		voice:        cfg.Voice,
		sampleRate:   cfg.SampleRate,
		frameBytes:   cfg.SampleRate / 1000 * cfg.FrameMs * 2, // 16-bit mono
		chunkTimeout: cfg.ChunkTimeout,
		out:          make(chan audio.Frame, cfg.BufferFrames),
		metrics:      cfg.Metrics,
	}, nil
}

// Speak consumes chunks until the channel closes or the context is
// canceled, synthesizing each in order. It returns after all audio for the
// turn has been queued (not necessarily played).
func (s *Synthesizer) Speak(ctx context.Context, chunks <-chan Chunk) error {
	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.speakCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.speakCancel = nil
		s.mu.Unlock()
	}()

	first := true
	for {
		select {
		case <-speakCtx.Done():
			return speakCtx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.Text == "" {
				// Degradation marker with no content.
				continue
			}

			err := s.speakChunk(speakCtx, chunk.Text)
			if err == nil {
				s.metrics.RecordProviderRequest(ctx, s.name, "tts", "ok")
				first = false
				continue
			}
			if speakCtx.Err() != nil {
				return speakCtx.Err()
			}

			s.metrics.RecordProviderRequest(ctx, s.name, "tts", "error")
			s.metrics.RecordProviderError(ctx, s.name, "tts")
			if first {
				// Nothing of this turn was heard yet: play the canned
				// prompt and abandon the rest.
				slog.Warn("tts failed on first chunk, playing canned prompt",
					"provider", s.name, "err", err)
				s.pushPCM(speakCtx, audio.Tone(promptToneMs, s.sampleRate, promptToneHz))
				go drainReplyChunks(chunks)
				return err
			}
			slog.Warn("tts chunk failed, skipping",
				"provider", s.name, "err", err)
		}
	}
}

// speakChunk synthesizes one text chunk and queues its audio frames.
func (s *Synthesizer) speakChunk(ctx context.Context, text string) error {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := s.provider.SynthesizeStream(ctx, textCh, s.voice)
	if err != nil {
		return fmt.Errorf("call: tts stream setup (%v): %w", err, ErrEngineUnavailable)
	}

	start := time.Now()
	firstChunk := true
	timer := time.NewTimer(s.chunkTimeout)
	defer timer.Stop()

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return fmt.Errorf("call: no tts audio within %s: %w", s.chunkTimeout, ErrEngineTimeout)

		case b, ok := <-audioCh:
			if !ok {
				if firstChunk {
					return fmt.Errorf("call: tts produced no audio: %w", ErrEngineUnavailable)
				}
				// Pad the trailing partial frame with silence so frame
				// geometry stays fixed.
				if len(pending) > 0 {
					frame := make([]byte, s.frameBytes)
					copy(frame, pending)
					if !s.pushFrame(ctx, frame) {
						return ctx.Err()
					}
				}
				return nil
			}
			if firstChunk {
				firstChunk = false
				s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.chunkTimeout)

			pending = append(pending, b...)
			for len(pending) >= s.frameBytes {
				frame := make([]byte, s.frameBytes)
				copy(frame, pending[:s.frameBytes])
				pending = pending[s.frameBytes:]
				if !s.pushFrame(ctx, frame) {
					return ctx.Err()
				}
			}
		}
	}
}

// pushPCM slices raw PCM into frames and queues them, padding the tail.
func (s *Synthesizer) pushPCM(ctx context.Context, pcm []byte) {
	for off := 0; off < len(pcm); off += s.frameBytes {
		frame := make([]byte, s.frameBytes)
		copy(frame, pcm[off:min(off+s.frameBytes, len(pcm))])
		if !s.pushFrame(ctx, frame) {
			return
		}
	}
}

// pushFrame queues one frame, blocking for space. Reports false when the
// context was canceled instead.
func (s *Synthesizer) pushFrame(ctx context.Context, pcm []byte) bool {
	f := audio.Frame{PCM: pcm, Seq: s.seq}
	select {
	case s.out <- f:
		s.seq++
		return true
	case <-ctx.Done():
		return false
	}
}

// NextFrame returns the next queued outbound frame, or false when the queue
// is empty. Called by the transport at its frame cadence.
func (s *Synthesizer) NextFrame() (audio.Frame, bool) {
	select {
	case f := <-s.out:
		return f, true
	default:
		return audio.Frame{}, false
	}
}

// Buffered returns the number of frames currently queued.
func (s *Synthesizer) Buffered() int {
	return len(s.out)
}

// Stop cancels any in-progress synthesis and discards all queued outbound
// audio. Used by barge-in: responsiveness to the caller outranks finishing
// the sentence. Returns the number of frames discarded.
func (s *Synthesizer) Stop() int {
	s.mu.Lock()
	if s.speakCancel != nil {
		s.speakCancel()
	}
	s.mu.Unlock()

	flushed := 0
	for {
		select {
		case <-s.out:
			flushed++
		default:
			return flushed
		}
	}
}

// drainReplyChunks discards remaining reply chunks so the responder
// goroutine can exit after an abandoned turn.
func drainReplyChunks(ch <-chan Chunk) {
	for range ch {
	}
}
