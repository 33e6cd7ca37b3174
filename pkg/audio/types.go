// Package audio provides the frame and buffer primitives shared by every
// stage of the voice pipeline: the telephony transport produces and consumes
// [Frame] values, the VAD groups them into [Segment] values, and the ring
// [FrameBuffer] absorbs the jitter between network delivery and processing
// cadence.
package audio

// Frame is a single fixed-duration span of audio flowing through the
// pipeline. Frames are the atomic unit of transport: delivered by the
// telephony collaborator, classified by the VAD, and queued for playback.
type Frame struct {
	// PCM is little-endian 16-bit mono audio. Sample rate and duration are
	// fixed per call by the session configuration.
	PCM []byte

	// Seq is the monotonic frame sequence number within the call, assigned
	// by the session on arrival. Segment boundaries are expressed in Seq
	// values rather than wall-clock timestamps to avoid clock-skew ordering
	// bugs.
	Seq uint64
}

// Segment is a contiguous span of inbound audio classified as one speech
// utterance by the VAD. It is created on a speech-start event, grows frame by
// frame, and is immutable once finalized.
type Segment struct {
	// StartSeq is the sequence number of the first frame in the segment.
	StartSeq uint64

	// EndSeq is the sequence number of the last frame. Valid only after
	// Finalize; zero while the segment is open.
	EndSeq uint64

	frames    []Frame
	finalized bool
}

// NewSegment opens a segment beginning at the given frame.
func NewSegment(first Frame) *Segment {
	return &Segment{
		StartSeq: first.Seq,
		frames:   []Frame{first},
	}
}

// Append adds a frame to an open segment. Appending to a finalized segment is
// a no-op; the caller is expected to have opened a new segment instead.
func (s *Segment) Append(f Frame) {
	if s.finalized {
		return
	}
	s.frames = append(s.frames, f)
}

// Finalize closes the segment, fixing EndSeq to the last appended frame.
// Finalize is idempotent.
func (s *Segment) Finalize() {
	if s.finalized {
		return
	}
	s.finalized = true
	if n := len(s.frames); n > 0 {
		s.EndSeq = s.frames[n-1].Seq
	} else {
		s.EndSeq = s.StartSeq
	}
}

// Finalized reports whether the segment has been closed.
func (s *Segment) Finalized() bool { return s.finalized }

// Frames returns the ordered frame sequence. The returned slice is the
// segment's backing storage; callers must not mutate it.
func (s *Segment) Frames() []Frame { return s.frames }

// PCM concatenates the raw PCM of all frames in order. Used when handing the
// whole utterance to a consumer that does not care about frame boundaries.
func (s *Segment) PCM() []byte {
	total := 0
	for _, f := range s.frames {
		total += len(f.PCM)
	}
	out := make([]byte, 0, total)
	for _, f := range s.frames {
		out = append(out, f.PCM...)
	}
	return out
}

// Duration returns the segment length in frames.
func (s *Segment) Duration() int { return len(s.frames) }
