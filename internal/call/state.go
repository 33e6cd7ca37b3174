package call

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is a phase of the per-call turn-taking loop.
type State int

const (
	// StateIdle means nobody is speaking and no reply is pending.
	StateIdle State = iota

	// StateListening means the caller is speaking (an audio segment is open
	// or awaiting transcription).
	StateListening

	// StateAwaitingResponse means a caller turn was committed and the
	// language model has not yet produced its first reply chunk.
	StateAwaitingResponse

	// StateSpeaking means agent audio is being synthesized and played.
	StateSpeaking

	// StateEnded is terminal: disconnect or fatal error. No transitions
	// leave it.
	StateEnded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition describes the outcome of feeding an event to a [Conversation].
type Transition struct {
	From State
	To   State

	// BargedIn is true when a caller segment opened while the agent was
	// speaking. The caller must stop synthesis and cancel the in-flight
	// reply; the interrupted agent turn has already been committed.
	BargedIn bool

	// Turn is the turn committed by this transition, if any.
	Turn *Turn
}

// Conversation is the per-call turn-taking state machine. It is the single
// point of truth for whose turn it is and the sole mutator of turn state:
// adapters react to its transitions and never self-initiate a turn change.
//
// All methods are safe for concurrent use; the audio path and the turn
// pipeline feed it from separate goroutines.
type Conversation struct {
	mu     sync.Mutex
	state  State
	turns  []Turn
	nextID int
	open   *Turn // at most one in-progress turn

	now func() time.Time // test seam
}

// NewConversation returns a Conversation in [StateIdle] with no turns.
func NewConversation() *Conversation {
	return &Conversation{state: StateIdle, nextID: 1, now: time.Now}
}

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Turns returns a copy of all committed turns in order.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// TurnCount returns the number of committed turns.
func (c *Conversation) TurnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Window returns a copy of the most recent max committed turns. max <= 0
// returns all turns.
func (c *Conversation) Window(max int) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := 0
	if max > 0 && len(c.turns) > max {
		start = len(c.turns) - max
	}
	out := make([]Turn, len(c.turns)-start)
	copy(out, c.turns[start:])
	return out
}

// SegmentStarted handles a voice-activity segment-start event.
//
//   - Idle: the caller began speaking, move to Listening.
//   - Speaking: barge-in. The open agent turn is committed with
//     Interrupted=true, keeping whatever text was appended before the
//     interruption, and the machine moves to Listening.
//   - Listening, AwaitingResponse: the caller kept talking, no change.
//   - Ended: ignored.
func (c *Conversation) SegmentStarted() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr := Transition{From: c.state, To: c.state}
	switch c.state {
	case StateIdle:
		c.state = StateListening
	case StateSpeaking:
		tr.BargedIn = true
		if c.open != nil {
			c.open.Interrupted = true
			tr.Turn = c.commitOpenLocked()
		}
		c.state = StateListening
	}
	tr.To = c.state
	return tr
}

// TranscriptReady commits a caller turn with the finalized transcript and
// moves to AwaitingResponse. Valid from Listening (the usual path) and Idle
// (a segment that queued behind an in-flight reply and finalized after the
// reply completed). degraded flags a low-confidence synthetic transcript.
func (c *Conversation) TranscriptReady(text string, confidence float64, degraded bool) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr := Transition{From: c.state}
	switch c.state {
	case StateListening, StateIdle:
	case StateEnded:
		return tr, ErrSessionEnded
	default:
		return tr, fmt.Errorf("call: transcript in state %s: %w", c.state, ErrProtocolViolation)
	}
	if c.open != nil {
		return tr, fmt.Errorf("call: turn %d still open: %w", c.open.ID, ErrStateViolation)
	}

	now := c.now()
	turn := Turn{
		ID:         c.nextID,
		Speaker:    SpeakerCaller,
		Text:       text,
		Confidence: confidence,
		StartedAt:  now,
		EndedAt:    now,
		Degraded:   degraded,
	}
	c.nextID++
	c.turns = append(c.turns, turn)
	c.state = StateAwaitingResponse

	tr.To = c.state
	committed := c.turns[len(c.turns)-1]
	tr.Turn = &committed
	return tr, nil
}

// TranscriptFailed abandons the current caller segment without committing a
// turn: the machine returns to Idle and the conversation continues.
func (c *Conversation) TranscriptFailed() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr := Transition{From: c.state, To: c.state}
	if c.state == StateListening {
		c.state = StateIdle
		tr.To = c.state
	}
	return tr
}

// ResponseStarted opens an agent turn and moves to Speaking. Valid from
// AwaitingResponse (a reply to the caller) and Idle (an agent-initiated
// utterance such as the call greeting).
func (c *Conversation) ResponseStarted() (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr := Transition{From: c.state}
	switch c.state {
	case StateAwaitingResponse, StateIdle:
	case StateEnded:
		return tr, ErrSessionEnded
	default:
		return tr, fmt.Errorf("call: response started in state %s: %w", c.state, ErrProtocolViolation)
	}
	if c.open != nil {
		return tr, fmt.Errorf("call: turn %d still open: %w", c.open.ID, ErrStateViolation)
	}

	c.open = &Turn{
		ID:        c.nextID,
		Speaker:   SpeakerAgent,
		StartedAt: c.now(),
	}
	c.nextID++
	c.state = StateSpeaking

	tr.To = c.state
	tr.Turn = c.open
	return tr, nil
}

// AppendAgentText appends reply text to the open agent turn as it is
// forwarded to synthesis, so a barge-in commits exactly the text the caller
// heard. A no-op when no agent turn is open (the turn was already committed
// by an interleaved barge-in).
func (c *Conversation) AppendAgentText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil || c.open.Speaker != SpeakerAgent {
		return
	}
	if c.open.Text != "" && !strings.HasSuffix(c.open.Text, " ") {
		c.open.Text += " "
	}
	c.open.Text += text
}

// ResponseFinished commits the open agent turn and returns to Idle. degraded
// marks a turn that fell back to canned content. Returns a protocol
// violation when the machine is not Speaking, which happens when a barge-in
// already committed the turn; callers treat that as a benign race.
func (c *Conversation) ResponseFinished(degraded bool) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr := Transition{From: c.state}
	if c.state != StateSpeaking {
		if c.state == StateEnded {
			return tr, ErrSessionEnded
		}
		return tr, fmt.Errorf("call: response finished in state %s: %w", c.state, ErrProtocolViolation)
	}
	if c.open == nil {
		return tr, fmt.Errorf("call: no open agent turn: %w", ErrStateViolation)
	}

	c.open.Degraded = c.open.Degraded || degraded
	tr.Turn = c.commitOpenLocked()
	c.state = StateIdle

	tr.To = c.state
	return tr, nil
}

// End moves to the terminal Ended state from any state. An open agent turn
// is committed as interrupted. End is idempotent.
func (c *Conversation) End() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	tr := Transition{From: c.state, To: StateEnded}
	if c.state == StateEnded {
		return tr
	}
	if c.open != nil {
		c.open.Interrupted = true
		tr.Turn = c.commitOpenLocked()
	}
	c.state = StateEnded
	return tr
}

// commitOpenLocked finalizes the open turn, appends it to the history, and
// returns a detached copy. Caller holds c.mu.
func (c *Conversation) commitOpenLocked() *Turn {
	c.open.EndedAt = c.now()
	c.turns = append(c.turns, *c.open)
	committed := *c.open
	c.open = nil
	return &committed
}
