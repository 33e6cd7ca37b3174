// Package call implements the real-time call session orchestrator: the
// per-call pipeline that streams caller audio through voice-activity
// detection and transcription, drives a turn-taking state machine against a
// language model, and streams synthesized reply audio back to the
// telephony transport.
//
// Each [Session] is fully isolated: it owns its buffers, its
// [Conversation], and its adapters, and shares no mutable state with other
// sessions. The only process-wide structure is the [Registry].
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
	"github.com/voxline-ai/voxline/pkg/vad"
)

const (
	// segmentQueueDepth bounds speech segments waiting for transcription.
	// When transcription lags this far behind, the audio loop blocks and
	// the inbound ring starts shedding the oldest frames.
	segmentQueueDepth = 2

	// defaultInboundFrames is the inbound ring capacity when unconfigured:
	// 150 frames of 20ms is 3s of caller audio.
	defaultInboundFrames = 150

	// vocabularyBoost is the recognition boost applied to configured
	// vocabulary terms.
	vocabularyBoost = 2.0
)

// SessionConfig carries everything a [Session] needs, fixed at creation and
// immutable for the session's lifetime.
type SessionConfig struct {
	// ID is the unique call identifier assigned by the telephony layer.
	ID string

	Call  config.CallConfig
	Agent config.AgentConfig

	STT     stt.Provider
	STTName string
	LLM     llm.Provider
	LLMName string
	TTS     tts.Provider
	TTSName string

	Metrics *observe.Metrics

	// OnEnded is invoked exactly once after the session has fully torn
	// down. The callback runs on the session's own goroutine and must not
	// block for long.
	OnEnded func(id, reason string)
}

// Session orchestrates one live phone call from connect to hang-up.
//
// The telephony transport drives it through three operations:
// [Session.OnInboundAudio] for each caller frame, [Session.NextOutboundFrame]
// at its playback cadence, and [Session.OnDisconnect] when the line drops.
// Everything else runs on the session's own goroutines.
type Session struct {
	id        string
	createdAt time.Time
	cfg       config.CallConfig
	agent     config.AgentConfig

	conv        *Conversation
	inbound     *audio.FrameBuffer
	inboundSig  chan struct{}
	detector    *vad.Detector
	transcriber *Transcriber
	responder   *Responder
	synth       *Synthesizer
	segments    chan *audio.Segment

	ctx    context.Context
	cancel context.CancelFunc
	runCtx context.Context
	g      *errgroup.Group

	mu          sync.Mutex
	inSeq       uint64
	droppedSeen uint64
	speechEnd   time.Time
	turnCancel  context.CancelFunc
	endReason   string
	started     bool

	endOnce sync.Once
	done    chan struct{}
	onEnded func(id, reason string)

	metrics *observe.Metrics
}

// NewSession assembles a session from the given configuration. The session
// does nothing until [Session.Start] is called.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("call: session requires an id")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	bufFrames := cfg.Call.InboundBufferFrames
	if bufFrames <= 0 {
		bufFrames = defaultInboundFrames
	}

	detector, err := vad.New(vad.Config{
		SampleRate:  cfg.Call.SampleRate,
		FrameMs:     cfg.Call.FrameMs,
		Sensitivity: cfg.Call.VAD.Sensitivity,
		OpenFrames:  cfg.Call.VAD.OpenFrames,
		CloseFrames: cfg.Call.VAD.CloseFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("call: session %s: %w", cfg.ID, err)
	}

	var keywords []stt.KeywordBoost
	for _, word := range cfg.Agent.Vocabulary {
		keywords = append(keywords, stt.KeywordBoost{Keyword: word, Boost: vocabularyBoost})
	}
	transcriber, err := NewTranscriber(TranscriberConfig{
		Provider:     cfg.STT,
		ProviderName: cfg.STTName,
		Stream: stt.StreamConfig{
			SampleRate: cfg.Call.SampleRate,
			Channels:   1,
			Keywords:   keywords,
		},
		FinalTimeout: cfg.Call.STTFinalTimeout.Std(),
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("call: session %s: %w", cfg.ID, err)
	}

	responder, err := NewResponder(ResponderConfig{
		Provider:          cfg.LLM,
		ProviderName:      cfg.LLMName,
		SystemPrompt:      buildSystemPrompt(cfg.Agent),
		Temperature:       cfg.Call.Temperature,
		MaxTokens:         cfg.Call.MaxResponseTokens,
		TokenBudget:       cfg.Call.ContextTokenBudget,
		FirstChunkTimeout: cfg.Call.LLMFirstChunkTimeout.Std(),
		CompletionTimeout: cfg.Call.LLMCompletionTimeout.Std(),
		FallbackPhrases:   cfg.Agent.FallbackPhrases,
		Metrics:           cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("call: session %s: %w", cfg.ID, err)
	}

	synth, err := NewSynthesizer(SynthesizerConfig{
		Provider:     cfg.TTS,
		ProviderName: cfg.TTSName,
		Voice:        tts.Voice{ID: cfg.Agent.VoiceID, Provider: cfg.TTSName},
		SampleRate:   cfg.Call.SampleRate,
		FrameMs:      cfg.Call.FrameMs,
		ChunkTimeout: cfg.Call.TTSChunkTimeout.Std(),
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("call: session %s: %w", cfg.ID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          cfg.ID,
		createdAt:   time.Now().UTC(),
		cfg:         cfg.Call,
		agent:       cfg.Agent,
		conv:        NewConversation(),
		inbound:     audio.NewFrameBuffer(bufFrames),
		inboundSig:  make(chan struct{}, 1),
		detector:    detector,
		transcriber: transcriber,
		responder:   responder,
		synth:       synth,
		segments:    make(chan *audio.Segment, segmentQueueDepth),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		onEnded:     cfg.OnEnded,
		metrics:     cfg.Metrics,
	}, nil
}

// Start launches the session's pipeline goroutines and, when a greeting is
// configured, begins speaking it. Start must be called exactly once.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.metrics.ActiveCalls.Add(s.ctx, 1)

	g, runCtx := errgroup.WithContext(s.ctx)
	s.g = g
	s.runCtx = runCtx

	g.Go(s.audioLoop)
	g.Go(s.turnLoop)

	if d := s.cfg.MaxDuration.Std(); d > 0 {
		g.Go(func() error {
			select {
			case <-time.After(d):
				slog.Info("call reached max duration", "call_id", s.id, "max", d)
				s.end("max duration")
			case <-runCtx.Done():
			}
			return nil
		})
	}

	// Monitor: a fatal pipeline error tears the session down.
	go func() {
		err := g.Wait()
		reason := "pipeline complete"
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("call pipeline failed", "call_id", s.id, "err", err)
			reason = "fatal error"
		}
		s.end(reason)
	}()

	slog.Info("call started", "call_id", s.id)
}

// OnInboundAudio delivers one decoded PCM frame from the transport. Frames
// are sequenced on arrival; when the inbound ring overflows, the oldest
// frames are shed to stay close to real time.
func (s *Session) OnInboundAudio(pcm []byte) error {
	select {
	case <-s.done:
		return ErrSessionEnded
	default:
	}

	s.mu.Lock()
	seq := s.inSeq
	s.inSeq++
	s.mu.Unlock()

	s.inbound.Push(audio.Frame{PCM: pcm, Seq: seq})
	s.recordDropped()

	select {
	case s.inboundSig <- struct{}{}:
	default:
	}
	return nil
}

// NextOutboundFrame returns the next synthesized frame for the transport,
// or false when there is nothing to play. Polled at the frame cadence.
func (s *Session) NextOutboundFrame() (audio.Frame, bool) {
	return s.synth.NextFrame()
}

// OnDisconnect tears the session down in response to a hang-up. Idempotent.
func (s *Session) OnDisconnect() {
	s.end("disconnect")
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until teardown completes or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the conversation state.
func (s *Session) State() State { return s.conv.State() }

// Turns returns a copy of the committed conversation turns.
func (s *Session) Turns() []Turn { return s.conv.Turns() }

// TurnCount returns the number of committed turns.
func (s *Session) TurnCount() int { return s.conv.TurnCount() }

// EndReason returns why the session ended, or empty while live.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// ─── Pipeline goroutines ─────────────────────────────────────────────────────

// audioLoop drains the inbound ring through the voice-activity detector and
// reacts to segment boundaries. Barge-in is detected here: a segment opening
// while the agent speaks interrupts the reply within one frame tick.
func (s *Session) audioLoop() error {
	for {
		select {
		case <-s.runCtx.Done():
			return nil
		case <-s.inboundSig:
		}

		for {
			f, ok := s.inbound.Pop()
			if !ok {
				break
			}
			ev, err := s.detector.ProcessFrame(f)
			if err != nil {
				slog.Debug("vad rejected frame", "call_id", s.id, "seq", f.Seq, "err", err)
				continue
			}

			switch ev.Type {
			case vad.SegmentStart:
				tr := s.conv.SegmentStarted()
				if tr.BargedIn {
					s.metrics.BargeIns.Add(s.runCtx, 1)
					if tr.Turn != nil {
						s.metrics.RecordTurn(s.runCtx, string(SpeakerAgent), tr.Turn.Degraded)
					}
					s.interruptTurn()
					slog.Info("barge-in", "call_id", s.id, "seq", f.Seq)
				}

			case vad.SegmentEnd:
				s.mu.Lock()
				s.speechEnd = time.Now()
				s.mu.Unlock()
				select {
				case s.segments <- ev.Segment:
				case <-s.runCtx.Done():
					return nil
				}
			}
		}
	}
}

// turnLoop serializes the transcribe → respond → synthesize pipeline, one
// segment at a time, preserving strict turn order.
func (s *Session) turnLoop() error {
	if s.agent.Greeting != "" {
		s.speakUtterance(s.agent.Greeting, false)
	}

	for {
		select {
		case <-s.runCtx.Done():
			return nil
		case seg := <-s.segments:
			if err := s.handleSegment(seg); err != nil {
				if IsFatal(err) {
					return err
				}
				slog.Warn("segment discarded", "call_id", s.id, "start_seq", seg.StartSeq, "err", err)
			}
		}
	}
}

// handleSegment runs one caller utterance through the full pipeline.
func (s *Session) handleSegment(seg *audio.Segment) error {
	res, err := s.transcriber.Transcribe(s.runCtx, seg)
	if err != nil {
		s.conv.TranscriptFailed()
		if errors.Is(err, ErrEngineUnavailable) {
			// Degraded mode: a spoken fallback beats dead air.
			s.speakUtterance(s.responder.FallbackPhrase(), true)
		}
		return err
	}
	if strings.TrimSpace(res.Text) == "" {
		s.conv.TranscriptFailed()
		return nil
	}

	if _, err := s.conv.TranscriptReady(res.Text, res.Confidence, res.Degraded); err != nil {
		return err
	}
	s.metrics.RecordTurn(s.runCtx, string(SpeakerCaller), res.Degraded)
	slog.Debug("caller turn committed",
		"call_id", s.id,
		"text", res.Text,
		"confidence", res.Confidence,
		"degraded", res.Degraded,
	)

	turnCtx, cancel := context.WithCancel(s.runCtx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	chunks := s.responder.Respond(turnCtx, s.conv.Window(s.cfg.ContextTurns))
	return s.pumpReply(turnCtx, chunks)
}

// pumpReply forwards reply chunks to synthesis while keeping the state
// machine and turn text in step with what the caller actually hears.
func (s *Session) pumpReply(turnCtx context.Context, chunks <-chan Chunk) error {
	fwd := make(chan Chunk, responseChunkBuffer)
	speakDone := make(chan error, 1)
	go func() { speakDone <- s.synth.Speak(turnCtx, fwd) }()

	var (
		started     bool
		interrupted bool
		degraded    bool
	)
loop:
	for {
		select {
		case <-turnCtx.Done():
			interrupted = true
			go drainReplyChunks(chunks)
			break loop

		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			degraded = degraded || chunk.Degraded

			if !started {
				if _, err := s.conv.ResponseStarted(); err != nil {
					go drainReplyChunks(chunks)
					if errors.Is(err, ErrStateViolation) {
						close(fwd)
						<-speakDone
						return err
					}
					interrupted = true
					break loop
				}
				started = true
				s.mu.Lock()
				speechEnd := s.speechEnd
				s.mu.Unlock()
				if !speechEnd.IsZero() {
					s.metrics.TurnLatency.Record(turnCtx, time.Since(speechEnd).Seconds())
				}
			}

			if chunk.Text != "" {
				s.conv.AppendAgentText(chunk.Text)
			}
			select {
			case fwd <- chunk:
			case <-turnCtx.Done():
				interrupted = true
				go drainReplyChunks(chunks)
				break loop
			}
		}
	}
	close(fwd)

	if err := <-speakDone; err != nil && !errors.Is(err, context.Canceled) {
		degraded = true
	}

	if !started || interrupted {
		// The barge-in path already committed the interrupted agent turn.
		return nil
	}
	if _, err := s.conv.ResponseFinished(degraded); err != nil {
		if errors.Is(err, ErrStateViolation) {
			return err
		}
		// A barge-in raced the final chunk; the turn is already committed.
		return nil
	}
	s.metrics.RecordTurn(turnCtx, string(SpeakerAgent), degraded)
	return nil
}

// speakUtterance speaks a single agent-initiated utterance (greeting or
// degraded-mode fallback) through the synthesis path, committing it as a
// regular agent turn.
func (s *Session) speakUtterance(text string, degraded bool) {
	if text == "" {
		return
	}
	if _, err := s.conv.ResponseStarted(); err != nil {
		slog.Debug("utterance skipped", "call_id", s.id, "err", err)
		return
	}
	s.conv.AppendAgentText(text)

	turnCtx, cancel := context.WithCancel(s.runCtx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: text, Degraded: degraded}
	close(ch)

	err := s.synth.Speak(turnCtx, ch)
	if turnCtx.Err() != nil {
		// Interrupted: the barge-in path committed the turn.
		return
	}
	if _, ferr := s.conv.ResponseFinished(degraded || err != nil); ferr != nil {
		return
	}
	s.metrics.RecordTurn(s.runCtx, string(SpeakerAgent), degraded || err != nil)
}

// interruptTurn cancels the in-flight reply and flushes queued outbound
// audio. In-flight engine calls are abandoned, not awaited.
func (s *Session) interruptTurn() {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.mu.Unlock()

	flushed := s.synth.Stop()
	if flushed > 0 {
		slog.Debug("outbound audio flushed", "call_id", s.id, "frames", flushed)
	}
}

// recordDropped publishes the inbound ring's drop counter delta.
func (s *Session) recordDropped() {
	total := s.inbound.Dropped()
	s.mu.Lock()
	delta := total - s.droppedSeen
	s.droppedSeen = total
	s.mu.Unlock()
	if delta > 0 {
		s.metrics.RecordFramesDropped(s.ctx, "inbound", int64(delta))
	}
}

// end initiates teardown exactly once.
func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		started := s.started
		s.mu.Unlock()

		s.conv.End()
		s.cancel()
		s.synth.Stop()

		if !started {
			s.finalize(reason)
			return
		}
		go s.finalize(reason)
	})
}

// finalize waits for the pipeline goroutines, publishes final metrics, and
// fires the OnEnded callback.
func (s *Session) finalize(reason string) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if s.g != nil {
		_ = s.g.Wait()
	}
	s.recordDropped()
	if started {
		s.metrics.ActiveCalls.Add(context.Background(), -1)
	}

	slog.Info("call ended",
		"call_id", s.id,
		"reason", reason,
		"turns", s.conv.TurnCount(),
		"duration", time.Since(s.createdAt).Round(time.Millisecond),
	)
	if s.onEnded != nil {
		s.onEnded(s.id, reason)
	}
	close(s.done)
}

// buildSystemPrompt assembles the LLM system prompt from the agent persona.
func buildSystemPrompt(agent config.AgentConfig) string {
	var sb strings.Builder
	name := agent.Name
	if name == "" {
		name = "the support agent"
	}
	sb.WriteString("You are " + name)
	if agent.Company != "" {
		sb.WriteString(", a customer service agent for " + agent.Company)
	}
	sb.WriteString(", speaking with a customer on a live phone call.\n")
	if agent.Persona != "" {
		sb.WriteString(agent.Persona)
		sb.WriteString("\n")
	}
	sb.WriteString("Replies are spoken aloud: keep them short, conversational, and free of " +
		"formatting, lists, or anything that cannot be read naturally. Ask one question at a time.")
	return sb.String()
}
