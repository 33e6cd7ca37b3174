package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/internal/call"
	"github.com/voxline-ai/voxline/internal/callstore"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
)

const (
	defaultFrameMs = 20

	// teardownTimeout bounds how long a closing connection waits for its
	// session to finish before the record is persisted anyway.
	teardownTimeout = 10 * time.Second
)

// HandlerConfig configures a media-stream [Handler].
type HandlerConfig struct {
	// Registry creates and tears down call sessions.
	Registry *call.Registry

	// Store persists call records. Required.
	Store callstore.Store

	// AgentName is recorded on each call record.
	AgentName string

	// FrameMs is the outbound pacing interval. Defaults to 20.
	FrameMs int

	// Summarizer, when set, generates a short post-call summary from the
	// transcript and persists it on the call record.
	Summarizer llm.Provider
}

// Handler terminates media-stream WebSocket connections: one connection per
// phone call. It decodes inbound mu-law frames into the call session, paces
// synthesized audio back to the carrier in real time, and persists the call
// record when the stream ends.
type Handler struct {
	registry   *call.Registry
	store      callstore.Store
	agent      string
	frameMs    int
	summarizer llm.Provider
}

// NewHandler creates a media-stream handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("telephony: registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("telephony: store is required")
	}
	frameMs := cfg.FrameMs
	if frameMs <= 0 {
		frameMs = defaultFrameMs
	}
	return &Handler{
		registry:   cfg.Registry,
		store:      cfg.Store,
		agent:      cfg.AgentName,
		frameMs:    frameMs,
		summarizer: cfg.Summarizer,
	}, nil
}

// ServeHTTP upgrades the request to a WebSocket and runs the media stream
// until the carrier stops it or the session ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // carriers do not send browser Origin headers
	})
	if err != nil {
		slog.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	if err := h.run(r.Context(), conn); err != nil {
		slog.Warn("media stream closed with error", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "stream complete")
}

// run drives one media stream. It returns nil on a clean stop event or
// remote close.
func (h *Handler) run(ctx context.Context, conn *websocket.Conn) error {
	var (
		sess      *call.Session
		callSID   string
		streamSID string
		pumpStop  func()
	)
	defer func() {
		if pumpStop != nil {
			pumpStop()
		}
		if sess != nil {
			h.teardown(sess, callSID)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Remote hang-up without a stop event is a normal ending.
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("telephony: read: %w", err)
		}

		msg, err := ParseMessage(data)
		if err != nil {
			slog.Debug("ignoring malformed media-stream message", "err", err)
			continue
		}

		switch msg.Event {
		case EventConnected:
			slog.Debug("media stream connected")

		case EventStart:
			if msg.Start == nil || msg.Start.CallSID == "" {
				return fmt.Errorf("telephony: start event without call sid")
			}
			if sess != nil {
				return fmt.Errorf("telephony: duplicate start event for call %s", callSID)
			}
			callSID = msg.Start.CallSID
			streamSID = msg.Start.StreamSID
			sess, err = h.startCall(ctx, msg.Start)
			if err != nil {
				return err
			}
			pumpStop = h.startPump(conn, sess, streamSID)

		case EventMedia:
			if sess == nil || msg.Media == nil {
				continue
			}
			pcm, err := msg.Media.DecodeAudio()
			if err != nil {
				slog.Debug("dropping undecodable media frame", "call_id", callSID, "err", err)
				continue
			}
			if err := sess.OnInboundAudio(pcm); err != nil {
				if errors.Is(err, call.ErrSessionEnded) {
					// The session ended on its own (max duration, fatal
					// error); close the stream.
					return nil
				}
				return fmt.Errorf("telephony: inbound audio: %w", err)
			}

		case EventMark:
			if msg.Mark != nil {
				slog.Debug("mark played", "call_id", callSID, "name", msg.Mark.Name)
			}

		case EventStop:
			slog.Info("media stream stopped", "call_id", callSID)
			return nil

		default:
			slog.Debug("ignoring media-stream event", "event", msg.Event)
		}
	}
}

// startCall creates the call record and session for a start event.
func (h *Handler) startCall(ctx context.Context, start *StartPayload) (*call.Session, error) {
	record := &callstore.Call{
		ID:         start.CallSID,
		Direction:  callstore.DirectionInbound,
		FromNumber: start.CustomParameters["from"],
		ToNumber:   start.CustomParameters["to"],
		Agent:      h.agent,
		StartedAt:  time.Now(),
	}
	if err := h.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("telephony: record call %s: %w", start.CallSID, err)
	}

	sess, err := h.registry.Create(start.CallSID)
	if err != nil {
		return nil, fmt.Errorf("telephony: start call %s: %w", start.CallSID, err)
	}
	slog.Info("call connected",
		"call_id", start.CallSID,
		"stream_id", start.StreamSID,
		"from", record.FromNumber,
		"encoding", start.MediaFormat.Encoding)
	return sess, nil
}

// startPump launches the outbound audio loop and returns a stop function
// that blocks until the loop exits.
func (h *Handler) startPump(conn *websocket.Conn, sess *call.Session, streamSID string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pumpOutbound(ctx, conn, sess, streamSID)
	}()
	return func() {
		cancel()
		<-done
	}
}

// pumpOutbound paces synthesized audio to the carrier, one frame per tick.
// When a reply finishes draining it sends a mark so playback completion is
// observable, and when a barge-in flushes the queue it sends a clear so the
// carrier drops audio the caller should no longer hear.
func (h *Handler) pumpOutbound(ctx context.Context, conn *websocket.Conn, sess *call.Session, streamSID string) {
	ticker := time.NewTicker(time.Duration(h.frameMs) * time.Millisecond)
	defer ticker.Stop()

	var (
		playing   bool
		replySeq  int
		lastState = sess.State()
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
		}

		state := sess.State()
		if lastState == call.StateSpeaking && state == call.StateListening {
			// Barge-in: the session already flushed its queue; tell the
			// carrier to drop what it has buffered too.
			if !h.write(ctx, conn, ClearMessage(streamSID)) {
				return
			}
			playing = false
		}
		lastState = state

		frame, ok := sess.NextOutboundFrame()
		if !ok {
			if playing {
				playing = false
				replySeq++
				if !h.write(ctx, conn, MarkMessage(streamSID, fmt.Sprintf("reply-%d", replySeq))) {
					return
				}
			}
			continue
		}
		playing = true
		if !h.write(ctx, conn, MediaMessage(streamSID, frame.PCM)) {
			return
		}
	}
}

// write encodes and sends one message, reporting whether the connection is
// still usable.
func (h *Handler) write(ctx context.Context, conn *websocket.Conn, msg Message) bool {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("drop outbound message", "event", msg.Event, "err", err)
		return true
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}

// teardown ends the session and persists the final call record with its
// transcript.
func (h *Handler) teardown(sess *call.Session, callSID string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	sess.OnDisconnect()
	if err := sess.Wait(ctx); err != nil {
		slog.Warn("session teardown timed out", "call_id", callSID, "err", err)
	}

	end := callstore.CallEnd{
		Status:     StatusFor(sess.EndReason()),
		Reason:     sess.EndReason(),
		EndedAt:    time.Now(),
		Transcript: TranscriptOf(sess.Turns()),
	}
	if h.summarizer != nil && len(end.Transcript) > 0 {
		end.Summary = h.summarize(ctx, callSID, end.Transcript)
	}
	if err := h.store.Finish(ctx, callSID, end); err != nil {
		slog.Error("persist call record", "call_id", callSID, "err", err)
	}
	slog.Info("call record persisted",
		"call_id", callSID,
		"status", end.Status,
		"turns", len(end.Transcript))
}

// summaryPrompt instructs the model for the post-call summary pass.
const summaryPrompt = "Summarize this customer service call in one or two sentences: " +
	"why the caller called and how it was resolved. Reply with the summary only."

// summarize asks the summarizer for a one-line abstract of the finished call.
// Failures are logged and leave the record without a summary.
func (h *Handler) summarize(ctx context.Context, callSID string, entries []callstore.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Speaker, e.Text)
	}

	resp, err := h.summarizer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{{Role: "user", Content: b.String()}},
		MaxTokens:    120,
	})
	if err != nil || resp == nil {
		slog.Warn("post-call summary failed", "call_id", callSID, "err", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// StatusFor maps a session end reason to a call record status.
func StatusFor(endReason string) callstore.Status {
	if endReason == "fatal error" {
		return callstore.StatusFailed
	}
	return callstore.StatusCompleted
}

// TranscriptOf converts committed session turns into persistable transcript
// entries.
func TranscriptOf(turns []call.Turn) []callstore.TranscriptEntry {
	entries := make([]callstore.TranscriptEntry, len(turns))
	for i, t := range turns {
		entries[i] = callstore.TranscriptEntry{
			TurnID:      t.ID,
			Speaker:     string(t.Speaker),
			Text:        t.Text,
			Confidence:  t.Confidence,
			StartedAt:   t.StartedAt,
			EndedAt:     t.EndedAt,
			Interrupted: t.Interrupted,
			Degraded:    t.Degraded,
		}
	}
	return entries
}
