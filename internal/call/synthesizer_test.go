package call

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/pkg/provider/tts"
	ttsmock "github.com/voxline-ai/voxline/pkg/provider/tts/mock"
)

func newTestSynthesizer(t *testing.T, p tts.Provider, bufferFrames int) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(SynthesizerConfig{
		Provider:     p,
		ProviderName: "mock",
		Voice:        tts.Voice{ID: "v1"},
		BufferFrames: bufferFrames,
	})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	return s
}

// chunkStream builds a closed reply-chunk channel from texts.
func chunkStream(texts ...string) <-chan Chunk {
	ch := make(chan Chunk, len(texts))
	for _, txt := range texts {
		ch <- Chunk{Text: txt}
	}
	close(ch)
	return ch
}

// drainFrames pops every queued outbound frame.
func drainFrames(s *Synthesizer) [][]byte {
	var out [][]byte
	for {
		f, ok := s.NextFrame()
		if !ok {
			return out
		}
		out = append(out, f.PCM)
	}
}

func TestSpeakQueuesAudioInStrictFIFO(t *testing.T) {
	p := &ttsmock.Provider{AudioFn: func(fragment string) []byte {
		fill := byte(1)
		if fragment == "two" {
			fill = 2
		}
		n := 700 // not frame-aligned on purpose
		if fragment == "two" {
			n = 640
		}
		return bytes.Repeat([]byte{fill}, n)
	}}
	s := newTestSynthesizer(t, p, 0)

	if err := s.Speak(context.Background(), chunkStream("one", "two")); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	frames := drainFrames(s)
	// 700 bytes pads to 3 frames of 320, 640 bytes is exactly 2.
	if len(frames) != 5 {
		t.Fatalf("frame count = %d, want 5", len(frames))
	}
	for i, f := range frames {
		if len(f) != 320 {
			t.Fatalf("frame[%d] length = %d, want 320", i, len(f))
		}
	}
	// All audio for chunk one strictly precedes chunk two.
	for i, f := range frames[:3] {
		if f[0] != 1 {
			t.Errorf("frame[%d] belongs to chunk %d, want chunk one first", i, f[0])
		}
	}
	for i, f := range frames[3:] {
		if f[0] != 2 {
			t.Errorf("frame[%d+3] belongs to chunk %d, want chunk two last", i, f[0])
		}
	}
	// The trailing 60 bytes of chunk one are padded with silence.
	tail := frames[2]
	if !bytes.Equal(tail[60:], make([]byte, 260)) {
		t.Error("partial trailing frame not padded with silence")
	}
}

func TestSpeakAssignsMonotonicSeq(t *testing.T) {
	p := &ttsmock.Provider{AudioFn: func(string) []byte { return make([]byte, 960) }}
	s := newTestSynthesizer(t, p, 0)

	if err := s.Speak(context.Background(), chunkStream("a")); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := s.Speak(context.Background(), chunkStream("b")); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	var last uint64
	first := true
	for {
		f, ok := s.NextFrame()
		if !ok {
			break
		}
		if !first && f.Seq != last+1 {
			t.Fatalf("seq jumped from %d to %d", last, f.Seq)
		}
		last = f.Seq
		first = false
	}
	if last != 5 {
		t.Errorf("last seq = %d, want 5 (6 frames across two turns)", last)
	}
}

func TestStopFlushesQueuedAudio(t *testing.T) {
	p := &ttsmock.Provider{AudioFn: func(string) []byte { return make([]byte, 3200) }}
	s := newTestSynthesizer(t, p, 0)

	if err := s.Speak(context.Background(), chunkStream("a")); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if s.Buffered() != 10 {
		t.Fatalf("buffered = %d, want 10", s.Buffered())
	}

	if flushed := s.Stop(); flushed != 10 {
		t.Errorf("flushed = %d, want 10", flushed)
	}
	if _, ok := s.NextFrame(); ok {
		t.Error("frame available after Stop flush")
	}
}

func TestStopCancelsInProgressSpeak(t *testing.T) {
	// Audio far larger than the queue so Speak blocks on backpressure.
	p := &ttsmock.Provider{AudioFn: func(string) []byte { return make([]byte, 32000) }}
	s := newTestSynthesizer(t, p, 2)

	speakDone := make(chan error, 1)
	go func() { speakDone <- s.Speak(context.Background(), chunkStream("a")) }()

	// Wait until the queue is saturated, proving synthesis is blocked.
	deadline := time.Now().Add(2 * time.Second)
	for s.Buffered() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("queue never filled")
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	select {
	case err := <-speakDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Speak error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after Stop")
	}

	s.Stop() // clear any frame that raced the first flush
	if _, ok := s.NextFrame(); ok {
		t.Error("frame available after Stop")
	}
}

func TestSpeakBackpressureBoundsQueue(t *testing.T) {
	p := &ttsmock.Provider{AudioFn: func(string) []byte { return make([]byte, 32000) }}
	s := newTestSynthesizer(t, p, 4)

	speakDone := make(chan error, 1)
	go func() { speakDone <- s.Speak(context.Background(), chunkStream("a")) }()

	// Drain slowly; the queue must never exceed its capacity.
	consumed := 0
	deadline := time.Now().Add(5 * time.Second)
	for consumed < 100 {
		if time.Now().After(deadline) {
			t.Fatalf("consumed only %d frames", consumed)
		}
		if got := s.Buffered(); got > 4 {
			t.Fatalf("buffered = %d, exceeds capacity 4", got)
		}
		if _, ok := s.NextFrame(); ok {
			consumed++
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	s.Stop()
	<-speakDone
}

func TestSpeakFirstChunkFailurePlaysCannedPrompt(t *testing.T) {
	p := &ttsmock.Provider{StartErr: errors.New("service down")}
	s := newTestSynthesizer(t, p, 0)

	err := s.Speak(context.Background(), chunkStream("hello there friend"))
	if err == nil {
		t.Fatal("Speak returned nil after first-chunk failure")
	}

	frames := drainFrames(s)
	// 400ms at 8kHz is 20 frames of canned tone.
	if len(frames) != 20 {
		t.Fatalf("canned prompt frames = %d, want 20", len(frames))
	}
	silent := make([]byte, 320)
	if bytes.Equal(frames[1], silent) {
		t.Error("canned prompt is silent, want an audible tone")
	}
}

// flakyTTS fails the nth SynthesizeStream call and succeeds otherwise.
type flakyTTS struct {
	mu       sync.Mutex
	calls    int
	failCall int
}

func (f *flakyTTS) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n == f.failCall {
		return nil, errors.New("transient failure")
	}

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		for range text {
			select {
			case out <- make([]byte, 640):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *flakyTTS) ListVoices(context.Context) ([]tts.Voice, error) { return nil, nil }

func TestSpeakSkipsFailedMiddleChunk(t *testing.T) {
	p := &flakyTTS{failCall: 2}
	s := newTestSynthesizer(t, p, 0)

	if err := s.Speak(context.Background(), chunkStream("a", "b", "c")); err != nil {
		t.Fatalf("Speak: %v (a failed middle chunk must be skipped, not fatal)", err)
	}

	frames := drainFrames(s)
	// Chunks a and c produce 2 frames each; b is skipped.
	if len(frames) != 4 {
		t.Errorf("frame count = %d, want 4 with the failed chunk skipped", len(frames))
	}
}

func TestSpeakIgnoresEmptyDegradationMarker(t *testing.T) {
	p := &ttsmock.Provider{AudioFn: func(string) []byte { return make([]byte, 320) }}
	s := newTestSynthesizer(t, p, 0)

	ch := make(chan Chunk, 2)
	ch <- Chunk{Text: "real text"}
	ch <- Chunk{Degraded: true}
	close(ch)

	if err := s.Speak(context.Background(), ch); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := p.SynthesizeCallCount(); got != 1 {
		t.Errorf("synthesize calls = %d, want 1 (marker carries no audio)", got)
	}
}
