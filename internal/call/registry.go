package call

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

// RegistryConfig carries the shared, immutable dependencies from which the
// [Registry] builds each session. Sessions snapshot this at creation; later
// changes do not affect live calls.
type RegistryConfig struct {
	Call  config.CallConfig
	Agent config.AgentConfig

	STT     stt.Provider
	STTName string
	LLM     llm.Provider
	LLMName string
	TTS     tts.Provider
	TTSName string

	Metrics *observe.Metrics

	// OnEnded is invoked after any session finishes tearing down, whether
	// by hang-up, forced destroy, or fatal error.
	OnEnded func(id, reason string)
}

// Registry is the process-wide map of active call sessions. Its lock covers
// only the map operations; session construction and teardown happen outside
// it, so a slow teardown never stalls unrelated calls.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create builds, registers, and starts a session for the given call ID.
// Fails when a session with that ID already exists: call IDs are never
// reused across calls.
func (r *Registry) Create(id string) (*Session, error) {
	s, err := NewSession(SessionConfig{
		ID:      id,
		Call:    r.cfg.Call,
		Agent:   r.cfg.Agent,
		STT:     r.cfg.STT,
		STTName: r.cfg.STTName,
		LLM:     r.cfg.LLM,
		LLMName: r.cfg.LLMName,
		TTS:     r.cfg.TTS,
		TTSName: r.cfg.TTSName,
		Metrics: r.cfg.Metrics,
		OnEnded: func(id, reason string) {
			r.remove(id)
			if r.cfg.OnEnded != nil {
				r.cfg.OnEnded(id, reason)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("call: session %q already exists", id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	s.Start()
	return s, nil
}

// Get returns the session for the given call ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy tears down the session for the given call ID and waits for its
// resources to be released, bounded by ctx. Destroying an unknown or
// already-destroyed ID is a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.OnDisconnect()
	return s.Wait(ctx)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns the registered sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Shutdown destroys every registered session, bounded by ctx. Used during
// application stop.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Destroy(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// remove drops a session from the map without initiating teardown. Called
// from the session's OnEnded hook after it has already torn down.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
