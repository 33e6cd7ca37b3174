package call

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	llmmock "github.com/voxline-ai/voxline/pkg/provider/llm/mock"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	sttmock "github.com/voxline-ai/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/voxline-ai/voxline/pkg/provider/tts/mock"
)

func testCallConfig() config.CallConfig {
	return config.CallConfig{
		SampleRate:           8000,
		FrameMs:              20,
		VAD:                  config.VADConfig{Sensitivity: 2, OpenFrames: 3, CloseFrames: 5},
		InboundBufferFrames:  300,
		ContextTurns:         12,
		ContextTokenBudget:   3000,
		MaxResponseTokens:    100,
		Temperature:          0.5,
		STTFinalTimeout:      config.Duration(500 * time.Millisecond),
		LLMFirstChunkTimeout: config.Duration(2 * time.Second),
		LLMCompletionTimeout: config.Duration(5 * time.Second),
		TTSChunkTimeout:      config.Duration(2 * time.Second),
	}
}

// sessionDeps bundles the mocked providers behind a session.
type sessionDeps struct {
	stt     *sttmock.Provider
	sttSess *sttmock.Session
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
}

func newTestSession(t *testing.T, mutate func(*SessionConfig, *sessionDeps)) (*Session, *sessionDeps) {
	t.Helper()
	deps := &sessionDeps{
		sttSess: &sttmock.Session{
			PartialsCh: make(chan stt.Transcript, 16),
			FinalsCh:   make(chan stt.Transcript, 16),
		},
		llm: &llmmock.Provider{},
		tts: &ttsmock.Provider{},
	}
	deps.stt = &sttmock.Provider{Session: deps.sttSess}

	cfg := SessionConfig{
		ID:      "CA-test-1",
		Call:    testCallConfig(),
		Agent:   config.AgentConfig{Name: "Clara", Company: "Acme"},
		STT:     deps.stt,
		STTName: "mock-stt",
		LLM:     deps.llm,
		LLMName: "mock-llm",
		TTS:     deps.tts,
		TTSName: "mock-tts",
	}
	if mutate != nil {
		mutate(&cfg, deps)
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() {
		s.OnDisconnect()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Wait(ctx)
	})
	return s, deps
}

// feedSpeech pushes n frames of an audible tone.
func feedSpeech(t *testing.T, s *Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.OnInboundAudio(audio.Tone(20, 8000, 200)); err != nil {
			t.Fatalf("OnInboundAudio: %v", err)
		}
	}
}

// feedSilence pushes n frames of silence.
func feedSilence(t *testing.T, s *Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.OnInboundAudio(audio.Silence(20, 8000)); err != nil {
			t.Fatalf("OnInboundAudio: %v", err)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionFullExchange(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *SessionConfig, deps *sessionDeps) {
		deps.sttSess.FinalsCh <- stt.Transcript{Text: "I need a refund", IsFinal: true, Confidence: 0.92}
		deps.llm.Chunks = []llm.Chunk{
			{Text: "I can help with that. "},
			{Text: "Can you provide your order number?"},
			{FinishReason: "stop"},
		}
		deps.tts.AudioFn = func(fragment string) []byte {
			return bytes.Repeat([]byte{byte(len(fragment))}, 640)
		}
	})
	s.Start()

	feedSpeech(t, s, 60) // 1.2s of caller speech
	feedSilence(t, s, 8)

	waitFor(t, "both turns", func() bool { return s.TurnCount() == 2 })
	waitFor(t, "idle state", func() bool { return s.State() == StateIdle })

	turns := s.Turns()
	if turns[0].Speaker != SpeakerCaller || turns[0].Text != "I need a refund" {
		t.Errorf("caller turn = %+v", turns[0])
	}
	if turns[0].Confidence != 0.92 || turns[0].Degraded {
		t.Errorf("caller turn flags = %+v, want confidence 0.92, not degraded", turns[0])
	}
	if turns[1].Speaker != SpeakerAgent {
		t.Errorf("second turn speaker = %q, want agent", turns[1].Speaker)
	}
	if want := "I can help with that. Can you provide your order number?"; turns[1].Text != want {
		t.Errorf("agent text = %q, want %q", turns[1].Text, want)
	}
	if turns[1].Interrupted || turns[1].Degraded {
		t.Errorf("agent turn flags = %+v, want clean", turns[1])
	}

	// Outbound audio: all of chunk one strictly before chunk two.
	var fills []byte
	for {
		f, ok := s.NextOutboundFrame()
		if !ok {
			break
		}
		fills = append(fills, f.PCM[0])
	}
	if len(fills) != 4 {
		t.Fatalf("outbound frames = %d, want 4 (two 640-byte chunks)", len(fills))
	}
	firstLen := byte(len("I can help with that."))
	secondLen := byte(len("Can you provide your order number?"))
	want := []byte{firstLen, firstLen, secondLen, secondLen}
	if !bytes.Equal(fills, want) {
		t.Errorf("outbound chunk order = %v, want %v", fills, want)
	}
}

func TestSessionGreeting(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *SessionConfig, deps *sessionDeps) {
		cfg.Agent.Greeting = "Thanks for calling Acme, this is Clara."
	})
	s.Start()

	waitFor(t, "greeting turn", func() bool { return s.TurnCount() == 1 })
	waitFor(t, "idle after greeting", func() bool { return s.State() == StateIdle })

	turn := s.Turns()[0]
	if turn.Speaker != SpeakerAgent || turn.Text != "Thanks for calling Acme, this is Clara." {
		t.Errorf("greeting turn = %+v", turn)
	}
	if _, ok := s.NextOutboundFrame(); !ok {
		t.Error("no outbound audio queued for the greeting")
	}
}

func TestSessionBargeIn(t *testing.T) {
	release := make(chan struct{})
	s, _ := newTestSession(t, func(cfg *SessionConfig, deps *sessionDeps) {
		deps.sttSess.FinalsCh <- stt.Transcript{Text: "tell me about my order", IsFinal: true, Confidence: 0.9}
		deps.llm.Chunks = []llm.Chunk{
			{Text: "Your order shipped on Monday and should arrive soon. "},
			{Text: "Is there anything else I can check for you?"},
			{FinishReason: "stop"},
		}
		// Stall synthesis so the session stays in Speaking until released.
		deps.tts.ChunkDelayFn = func(string) {
			select {
			case <-release:
			case <-time.After(10 * time.Second):
			}
		}
	})
	defer close(release)
	s.Start()

	feedSpeech(t, s, 20)
	feedSilence(t, s, 8)
	waitFor(t, "speaking state", func() bool { return s.State() == StateSpeaking })

	// Caller talks over the agent.
	feedSpeech(t, s, 5)
	waitFor(t, "listening after barge-in", func() bool { return s.State() == StateListening })

	waitFor(t, "interrupted agent turn", func() bool {
		turns := s.Turns()
		return len(turns) == 2 && turns[1].Speaker == SpeakerAgent && turns[1].Interrupted
	})
	if _, ok := s.NextOutboundFrame(); ok {
		t.Error("outbound audio survived the barge-in flush")
	}
}

func TestSessionDegradesWhenSTTUnavailable(t *testing.T) {
	s, _ := newTestSession(t, func(cfg *SessionConfig, deps *sessionDeps) {
		deps.stt.StartStreamErr = errors.New("connection refused")
		deps.stt.Session = nil
		cfg.Agent.FallbackPhrases = []string{"Sorry, could you repeat that?"}
	})
	s.Start()

	feedSpeech(t, s, 20)
	feedSilence(t, s, 8)

	waitFor(t, "degraded fallback turn", func() bool { return s.TurnCount() == 1 })
	turn := s.Turns()[0]
	if turn.Speaker != SpeakerAgent || !turn.Degraded {
		t.Errorf("fallback turn = %+v, want degraded agent turn", turn)
	}
	if turn.Text != "Sorry, could you repeat that?" {
		t.Errorf("fallback text = %q", turn.Text)
	}
	// The call continues rather than disconnecting.
	if s.State() == StateEnded {
		t.Error("session ended on a non-fatal engine failure")
	}
}

func TestSessionDegradesWhenLLMUnavailable(t *testing.T) {
	s, deps := newTestSession(t, func(cfg *SessionConfig, deps *sessionDeps) {
		deps.sttSess.FinalsCh <- stt.Transcript{Text: "hello?", IsFinal: true, Confidence: 0.9}
		deps.llm.StreamErr = errors.New("model overloaded")
		cfg.Agent.FallbackPhrases = []string{"I'm having trouble, bear with me."}
	})
	s.Start()

	feedSpeech(t, s, 20)
	feedSilence(t, s, 8)

	waitFor(t, "caller and fallback turns", func() bool { return s.TurnCount() == 2 })
	if got := deps.llm.StreamCompletionCallCount(); got != 3 {
		t.Errorf("llm attempts = %d, want 3", got)
	}
	turns := s.Turns()
	if !turns[1].Degraded || turns[1].Text != "I'm having trouble, bear with me." {
		t.Errorf("fallback turn = %+v", turns[1])
	}
	if s.State() == StateEnded {
		t.Error("session ended instead of degrading")
	}
}

func TestSessionMaxDuration(t *testing.T) {
	ended := make(chan string, 1)
	s, _ := newTestSession(t, func(cfg *SessionConfig, deps *sessionDeps) {
		cfg.Call.MaxDuration = config.Duration(50 * time.Millisecond)
		cfg.OnEnded = func(id, reason string) { ended <- reason }
	})
	s.Start()

	select {
	case reason := <-ended:
		if reason != "max duration" {
			t.Errorf("end reason = %q, want max duration", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end at max duration")
	}
	if s.State() != StateEnded {
		t.Errorf("state = %v, want ended", s.State())
	}
}

func TestSessionDisconnectTeardown(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.Start()

	s.OnDisconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait after disconnect: %v", err)
	}
	if s.EndReason() != "disconnect" {
		t.Errorf("end reason = %q, want disconnect", s.EndReason())
	}
	if err := s.OnInboundAudio(audio.Silence(20, 8000)); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("OnInboundAudio after end = %v, want ErrSessionEnded", err)
	}
	// Idempotent.
	s.OnDisconnect()
}
