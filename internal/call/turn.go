package call

import "time"

// Speaker identifies which party produced a conversation turn.
type Speaker string

const (
	// SpeakerCaller is the human on the phone line.
	SpeakerCaller Speaker = "caller"

	// SpeakerAgent is the synthesized voice agent.
	SpeakerAgent Speaker = "agent"
)

// Turn is one exchange unit in a call's conversation. Turn IDs increase
// strictly by one within a call, with no gaps, regardless of how many
// fallbacks occurred along the way.
//
// A Turn is never deleted once committed. An agent turn truncated by
// barge-in keeps whatever text was spoken before the interruption so later
// prompts reflect what the caller actually heard.
type Turn struct {
	// ID is the turn's position in the conversation, starting at 1.
	ID int

	// Speaker is who produced the turn.
	Speaker Speaker

	// Text is the finalized transcript (caller) or generated reply (agent).
	Text string

	// Confidence is the STT confidence for caller turns, zero for agent
	// turns.
	Confidence float64

	// StartedAt and EndedAt bound the turn in wall-clock time. EndedAt is
	// zero while the turn is still open.
	StartedAt time.Time
	EndedAt   time.Time

	// Interrupted marks an agent turn truncated by caller barge-in.
	Interrupted bool

	// Degraded marks a turn produced through a fallback path: a
	// low-confidence synthetic transcript, or a canned reply after the
	// language model failed.
	Degraded bool
}
