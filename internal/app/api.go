package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voxline-ai/voxline/internal/callstore"
	"github.com/voxline-ai/voxline/internal/telephony"
)

// callView is a call record as served by the admin API. For calls still in
// progress the live session state overrides the persisted snapshot.
type callView struct {
	callstore.Call
	State      string `json:"state,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// apiError is the JSON error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": a.registry.Len(),
	})
}

// handleListCalls serves GET /v1/calls. Query parameters: status filters by
// record status, limit caps the result count.
func (a *App) handleListCalls(w http.ResponseWriter, r *http.Request) {
	opts := callstore.ListOptions{
		Status: callstore.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid limit"})
			return
		}
		opts.Limit = limit
	}

	records, err := a.store.List(r.Context(), opts)
	if err != nil {
		slog.Error("list calls", "err", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "list calls failed"})
		return
	}

	views := make([]callView, len(records))
	for i, rec := range records {
		views[i] = a.viewOf(rec)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetCall serves GET /v1/calls/{id}.
func (a *App) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := a.store.Get(r.Context(), id)
	if err != nil {
		slog.Error("get call", "call_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "get call failed"})
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "call not found"})
		return
	}
	writeJSON(w, http.StatusOK, a.viewOf(*record))
}

// handleHangUp serves DELETE /v1/calls/{id}: it force-ends an active call.
// The telephony connection observes the session ending and persists the
// final record.
func (a *App) handleHangUp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.registry.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "no active call with that id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := a.registry.Destroy(ctx, id); err != nil {
		slog.Error("hang up call", "call_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "hang up failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// viewOf builds the API view of a record, overlaying live session state for
// calls still in progress.
func (a *App) viewOf(rec callstore.Call) callView {
	v := callView{Call: rec}
	if sess, ok := a.registry.Get(rec.ID); ok {
		v.State = sess.State().String()
		v.Transcript = telephony.TranscriptOf(sess.Turns())
		v.TurnCount = len(v.Transcript)
	}
	v.DurationMs = v.Duration().Milliseconds()
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("encode response", "err", err)
	}
}
