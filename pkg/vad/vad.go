// Package vad implements frame-level voice activity detection for telephony
// audio. The detector combines a running RMS energy estimate with a
// zero-crossing-rate gate and an adaptive noise floor that recalibrates
// during confirmed silence, so it keeps working across quiet callers, loud
// callers, and noisy lines.
//
// Detection is synchronous by design: [Detector.ProcessFrame] returns
// immediately with a classification event, making it suitable for the
// low-latency pipeline stage that gates STT input. A Detector maintains
// per-stream state and must not be shared across goroutines.
package vad

import (
	"fmt"
	"math"

	"github.com/voxline-ai/voxline/pkg/audio"
)

// sensitivityMultipliers maps the 0–5 sensitivity scale to noise-floor
// multipliers. Higher sensitivity lowers the energy bar for speech, opening
// segments earlier at the cost of more false triggers.
var sensitivityMultipliers = [6]float64{4.0, 3.2, 2.5, 2.0, 1.6, 1.3}

// closeRatio scales the open threshold down to form the close threshold,
// giving the speech/silence decision hysteresis so it does not flicker at
// the boundary.
const closeRatio = 0.6

// minNoiseFloor bounds the adaptive floor from below so a perfectly silent
// line cannot drive the speech threshold to zero.
const minNoiseFloor = 0.0025

// maxSpeechZCR is the zero-crossing-rate ceiling for speech. Broadband hiss
// and line static cross zero far more often than voiced speech; frames above
// this rate are not allowed to open a segment on their own.
const maxSpeechZCR = 0.35

// Config holds the tunable parameters for a [Detector].
type Config struct {
	// SampleRate is the PCM sample rate in Hz of the frames passed to
	// ProcessFrame. Common telephony values: 8000, 16000.
	SampleRate int

	// FrameMs is the fixed duration of each frame in milliseconds.
	// ProcessFrame returns an error for frames of any other size.
	FrameMs int

	// Sensitivity selects how readily the detector classifies speech on a
	// 0 (least sensitive) to 5 (most sensitive) scale.
	Sensitivity int

	// OpenFrames is the number of consecutive speech frames required to open
	// a segment. Guards against clicks and pops triggering a turn.
	OpenFrames int

	// CloseFrames is the number of consecutive silence frames required to
	// close a segment. Guards against chopping an utterance at a mid-word
	// pause.
	CloseFrames int

	// CalibrationFrames is how many confirmed-silence frames are averaged
	// into each noise-floor recalibration.
	CalibrationFrames int
}

// withDefaults fills zero fields with values suitable for 8kHz/20ms frames.
func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.FrameMs == 0 {
		c.FrameMs = 20
	}
	if c.OpenFrames == 0 {
		c.OpenFrames = 3 // ~60ms
	}
	if c.CloseFrames == 0 {
		c.CloseFrames = 25 // ~500ms
	}
	if c.CalibrationFrames == 0 {
		c.CalibrationFrames = 50 // ~1s of silence per recalibration
	}
	return c
}

// EventType classifies the outcome of processing one frame.
type EventType int

const (
	// Silence means no speech is active and this frame did not change that.
	Silence EventType = iota

	// SegmentStart means a new speech segment has just opened. The event
	// carries the open segment, already containing the frames that
	// triggered the opening.
	SegmentStart

	// Speech means an open segment is continuing.
	Speech

	// SegmentEnd means the open segment has just closed. The event carries
	// the finalized segment.
	SegmentEnd
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SegmentStart:
		return "segment_start"
	case Speech:
		return "speech"
	case SegmentEnd:
		return "segment_end"
	default:
		return "unknown"
	}
}

// Event is the result of classifying one frame.
type Event struct {
	Type EventType

	// Energy is the normalized RMS energy of the frame, in [0, 1].
	Energy float64

	// Segment is set on SegmentStart (the open segment) and SegmentEnd
	// (the finalized segment); nil otherwise.
	Segment *audio.Segment
}

// Detector is a stateful per-stream voice activity detector.
type Detector struct {
	cfg       Config
	frameSize int
	threshold float64 // open threshold; close threshold is threshold*closeRatio

	noiseFloor float64
	calibSum   float64
	calibCount int

	inSpeech     bool
	speechCount  int
	silenceCount int
	pending      []audio.Frame // frames seen during a possible opening
	segment      *audio.Segment
}

// New creates a Detector for the given configuration. Returns an error if the
// sensitivity is outside the 0–5 scale or the frame geometry is invalid.
func New(cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 5 {
		return nil, fmt.Errorf("vad: sensitivity %d out of range [0, 5]", cfg.Sensitivity)
	}
	if cfg.SampleRate <= 0 || cfg.FrameMs <= 0 {
		return nil, fmt.Errorf("vad: invalid frame geometry (sample_rate=%d, frame_ms=%d)", cfg.SampleRate, cfg.FrameMs)
	}

	d := &Detector{
		cfg:        cfg,
		frameSize:  cfg.SampleRate * cfg.FrameMs / 1000 * 2,
		noiseFloor: minNoiseFloor,
	}
	d.threshold = d.noiseFloor * sensitivityMultipliers[cfg.Sensitivity]
	return d, nil
}

// ProcessFrame classifies one frame and advances the detector state machine.
// It must be called with frames in arrival order.
func (d *Detector) ProcessFrame(f audio.Frame) (Event, error) {
	if len(f.PCM) != d.frameSize {
		return Event{}, fmt.Errorf("vad: frame size %d bytes, want %d", len(f.PCM), d.frameSize)
	}

	energy, zcr := analyze(f.PCM)
	isSpeech := d.classify(energy, zcr)

	if d.inSpeech {
		return d.processActive(f, energy, isSpeech), nil
	}
	return d.processIdle(f, energy, isSpeech), nil
}

// processIdle handles a frame while no segment is open.
func (d *Detector) processIdle(f audio.Frame, energy float64, isSpeech bool) Event {
	if !isSpeech {
		d.speechCount = 0
		d.pending = d.pending[:0]
		d.recalibrate(energy)
		return Event{Type: Silence, Energy: energy}
	}

	d.speechCount++
	d.pending = append(d.pending, f)
	if d.speechCount < d.cfg.OpenFrames {
		return Event{Type: Silence, Energy: energy}
	}

	// Enough consecutive speech: open a segment retroactively from the
	// first pending frame so the leading edge of the utterance is kept.
	d.inSpeech = true
	d.speechCount = 0
	d.silenceCount = 0
	d.segment = audio.NewSegment(d.pending[0])
	for _, pf := range d.pending[1:] {
		d.segment.Append(pf)
	}
	d.pending = d.pending[:0]
	return Event{Type: SegmentStart, Energy: energy, Segment: d.segment}
}

// processActive handles a frame while a segment is open.
func (d *Detector) processActive(f audio.Frame, energy float64, isSpeech bool) Event {
	d.segment.Append(f)

	if isSpeech {
		d.silenceCount = 0
		return Event{Type: Speech, Energy: energy}
	}

	d.silenceCount++
	if d.silenceCount < d.cfg.CloseFrames {
		// Hangover: treat short pauses as part of the utterance.
		return Event{Type: Speech, Energy: energy}
	}

	seg := d.segment
	seg.Finalize()
	d.segment = nil
	d.inSpeech = false
	d.silenceCount = 0
	return Event{Type: SegmentEnd, Energy: energy, Segment: seg}
}

// classify applies the hysteresis thresholds and the zero-crossing gate.
func (d *Detector) classify(energy, zcr float64) bool {
	if d.inSpeech {
		return energy >= d.threshold*closeRatio
	}
	return energy >= d.threshold && zcr <= maxSpeechZCR
}

// recalibrate folds a confirmed-silence frame into the adaptive noise floor.
// Every CalibrationFrames samples the floor moves toward the observed average
// with an exponential blend, and the open threshold is recomputed.
func (d *Detector) recalibrate(energy float64) {
	d.calibSum += energy
	d.calibCount++
	if d.calibCount < d.cfg.CalibrationFrames {
		return
	}

	avg := d.calibSum / float64(d.calibCount)
	d.calibSum = 0
	d.calibCount = 0

	d.noiseFloor = 0.9*d.noiseFloor + 0.1*avg
	if d.noiseFloor < minNoiseFloor {
		d.noiseFloor = minNoiseFloor
	}
	d.threshold = d.noiseFloor * sensitivityMultipliers[d.cfg.Sensitivity]
}

// Reset clears all detection state without losing calibration. Use when the
// audio stream restarts so stale hangover counters cannot leak into the next
// segment. Any open segment is discarded unfinalized.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
	d.pending = d.pending[:0]
	d.segment = nil
}

// InSpeech reports whether a segment is currently open.
func (d *Detector) InSpeech() bool { return d.inSpeech }

// analyze computes normalized RMS energy and zero-crossing rate for one
// little-endian PCM16 frame.
func analyze(pcm []byte) (energy, zcr float64) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}

	var sumSquares float64
	var crossings int
	var prev int16
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		v := float64(s) / 32768.0
		sumSquares += v * v
		if i > 0 && (s >= 0) != (prev >= 0) {
			crossings++
		}
		prev = s
	}
	return math.Sqrt(sumSquares / float64(n)), float64(crossings) / float64(n)
}
