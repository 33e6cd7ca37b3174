package audio

import "sync"

// FrameBuffer is a bounded ring of frames with drop-oldest overflow
// semantics. Telephony tolerates small frame loss far better than growing
// latency, so when a producer outpaces the consumer the oldest frame is
// discarded and counted rather than letting the queue grow.
//
// Push and Pop are safe for concurrent use; the mutex is held only for the
// O(1) index manipulation.
type FrameBuffer struct {
	mu      sync.Mutex
	frames  []Frame
	head    int
	size    int
	dropped uint64
}

// NewFrameBuffer creates a buffer holding at most capacity frames.
// Capacity must be at least 1; smaller values are clamped.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameBuffer{frames: make([]Frame, capacity)}
}

// Push appends a frame. If the buffer is full the oldest frame is dropped
// and the overflow counter incremented; Push itself never blocks or fails.
func (b *FrameBuffer) Push(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.frames) {
		// Overwrite the oldest slot.
		b.head = (b.head + 1) % len(b.frames)
		b.size--
		b.dropped++
	}
	tail := (b.head + b.size) % len(b.frames)
	b.frames[tail] = f
	b.size++
}

// Pop removes and returns the oldest frame. The second return value is false
// when the buffer is empty.
func (b *FrameBuffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return Frame{}, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = Frame{} // release the PCM slice
	b.head = (b.head + 1) % len(b.frames)
	b.size--
	return f, true
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the configured capacity.
func (b *FrameBuffer) Cap() int { return len(b.frames) }

// Dropped returns the total number of frames discarded due to overflow since
// the buffer was created.
func (b *FrameBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Flush discards all buffered frames and returns how many were removed.
// Used on barge-in to cut off queued playback immediately.
func (b *FrameBuffer) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	for i := range b.frames {
		b.frames[i] = Frame{}
	}
	b.head = 0
	b.size = 0
	return n
}
