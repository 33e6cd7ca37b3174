package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/callstore"
	"github.com/voxline-ai/voxline/internal/config"
	llmmock "github.com/voxline-ai/voxline/pkg/provider/llm/mock"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	sttmock "github.com/voxline-ai/voxline/pkg/provider/stt/mock"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
	ttsmock "github.com/voxline-ai/voxline/pkg/provider/tts/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Agent:  config.AgentConfig{Name: "Clara", Company: "Acme"},
		Call: config.CallConfig{
			SampleRate:           8000,
			FrameMs:              20,
			VAD:                  config.VADConfig{Sensitivity: 2, OpenFrames: 3, CloseFrames: 5},
			InboundBufferFrames:  300,
			ContextTurns:         12,
			ContextTokenBudget:   3000,
			MaxResponseTokens:    100,
			STTFinalTimeout:      config.Duration(500 * time.Millisecond),
			LLMFirstChunkTimeout: config.Duration(2 * time.Second),
			LLMCompletionTimeout: config.Duration(5 * time.Second),
			TTSChunkTimeout:      config.Duration(2 * time.Second),
		},
	}
}

func testProviders() *Providers {
	return &Providers{
		STT: &sttmock.Provider{Session: &sttmock.Session{
			PartialsCh: make(chan stt.Transcript, 16),
			FinalsCh:   make(chan stt.Transcript, 16),
		}},
		STTName: "mock-stt",
		LLM:     &llmmock.Provider{},
		LLMName: "mock-llm",
		TTS:     &ttsmock.Provider{},
		TTSName: "mock-tts",
	}
}

func newTestApp(t *testing.T) (*App, *callstore.MemStore, *httptest.Server) {
	t.Helper()
	store := callstore.NewMemStore()
	a, err := New(context.Background(), testConfig(), testProviders(), WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, store, srv
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func seedCall(t *testing.T, store *callstore.MemStore, id string, startedAt time.Time) {
	t.Helper()
	err := store.Create(context.Background(), &callstore.Call{
		ID:         id,
		Direction:  callstore.DirectionInbound,
		FromNumber: "+15550100",
		Agent:      "Clara",
		StartedAt:  startedAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestAppRequiresAllProviders(t *testing.T) {
	p := testProviders()
	p.LLM = nil
	if _, err := New(context.Background(), testConfig(), p); err == nil {
		t.Error("New accepted a nil LLM provider")
	}
	if _, err := New(context.Background(), testConfig(), nil); err == nil {
		t.Error("New accepted nil providers")
	}
}

func TestAppChecksAgentVoiceAtStartup(t *testing.T) {
	p := testProviders()
	ttsm := p.TTS.(*ttsmock.Provider)
	ttsm.Voices = []tts.Voice{{ID: "v-123", Name: "Clara"}}

	cfg := testConfig()
	cfg.Agent.VoiceID = "v-123"
	a, err := New(context.Background(), cfg, p, WithStore(callstore.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	if got := ttsm.ListVoicesCallCount(); got != 1 {
		t.Errorf("ListVoices calls = %d, want 1 with a configured voice", got)
	}

	// Without a configured voice there is nothing to look up.
	p2 := testProviders()
	a2, err := New(context.Background(), testConfig(), p2, WithStore(callstore.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a2.Shutdown(ctx)
	})
	if got := p2.TTS.(*ttsmock.Provider).ListVoicesCallCount(); got != 0 {
		t.Errorf("ListVoices calls = %d, want 0 without a configured voice", got)
	}
}

func TestAppHealth(t *testing.T) {
	_, _, srv := newTestApp(t)

	var body struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"active_calls"`
	}
	getJSON(t, srv.URL+"/healthz", http.StatusOK, &body)
	if body.Status != "ok" || body.ActiveCalls != 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestAppMetricsEndpoint(t *testing.T) {
	_, _, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestAppListCalls(t *testing.T) {
	_, store, srv := newTestApp(t)
	base := time.Now()
	seedCall(t, store, "CA-1", base.Add(-2*time.Minute))
	seedCall(t, store, "CA-2", base.Add(-time.Minute))
	if err := store.Finish(context.Background(), "CA-1", callstore.CallEnd{
		Status: callstore.StatusCompleted,
		Reason: "disconnect",
	}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var calls []callView
	getJSON(t, srv.URL+"/v1/calls", http.StatusOK, &calls)
	if len(calls) != 2 || calls[0].ID != "CA-2" {
		t.Errorf("calls = %+v, want CA-2 first", calls)
	}

	getJSON(t, srv.URL+"/v1/calls?status=completed", http.StatusOK, &calls)
	if len(calls) != 1 || calls[0].ID != "CA-1" {
		t.Errorf("completed calls = %+v", calls)
	}

	getJSON(t, srv.URL+"/v1/calls?limit=1", http.StatusOK, &calls)
	if len(calls) != 1 {
		t.Errorf("limited calls = %+v", calls)
	}

	getJSON(t, srv.URL+"/v1/calls?limit=bogus", http.StatusBadRequest, nil)
}

func TestAppGetCall(t *testing.T) {
	_, store, srv := newTestApp(t)
	seedCall(t, store, "CA-1", time.Now().Add(-time.Minute))

	var view callView
	getJSON(t, srv.URL+"/v1/calls/CA-1", http.StatusOK, &view)
	if view.ID != "CA-1" || view.Agent != "Clara" {
		t.Errorf("view = %+v", view)
	}
	if view.DurationMs < 1000 {
		t.Errorf("duration_ms = %d, want at least a minute's worth", view.DurationMs)
	}

	getJSON(t, srv.URL+"/v1/calls/CA-unknown", http.StatusNotFound, nil)
}

func TestAppGetCallOverlaysLiveState(t *testing.T) {
	a, store, srv := newTestApp(t)
	seedCall(t, store, "CA-live", time.Now())
	if _, err := a.Registry().Create("CA-live"); err != nil {
		t.Fatalf("Create session: %v", err)
	}

	var view callView
	getJSON(t, srv.URL+"/v1/calls/CA-live", http.StatusOK, &view)
	if view.Status != callstore.StatusInProgress {
		t.Errorf("status = %q", view.Status)
	}
	if view.State == "" {
		t.Error("live call view missing state")
	}
}

func TestAppHangUp(t *testing.T) {
	a, store, srv := newTestApp(t)
	seedCall(t, store, "CA-1", time.Now())
	if _, err := a.Registry().Create("CA-1"); err != nil {
		t.Fatalf("Create session: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/calls/CA-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("hang up status = %d, want 204", resp.StatusCode)
	}
	if a.Registry().Len() != 0 {
		t.Errorf("active sessions = %d after hang up", a.Registry().Len())
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v1/calls/CA-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second hang up status = %d, want 404", resp.StatusCode)
	}
}

func TestAppRunStopsOnContextCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders(), WithStore(callstore.NewMemStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
