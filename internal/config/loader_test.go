package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
	llmmock "github.com/voxline-ai/voxline/pkg/provider/llm/mock"
	sttmock "github.com/voxline-ai/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/voxline-ai/voxline/pkg/provider/tts/mock"
)

const minimalYAML = `
server:
  listen_addr: ":9090"
providers:
  stt:
    name: deepgram
    api_key: dg-key
  llm:
    name: openai
    api_key: sk-key
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    api_key: xi-key
agent:
  name: Clara
  company: Acme Support
  voice_id: v-123
`

func TestLoadFromReader_Minimal(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("stt provider = %q", cfg.Providers.STT.Name)
	}
	if cfg.Agent.Company != "Acme Support" {
		t.Errorf("company = %q", cfg.Agent.Company)
	}

	// Defaults fill in everything left unspecified.
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("default log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Call.SampleRate != 8000 || cfg.Call.FrameMs != 20 {
		t.Errorf("default audio geometry = %d Hz / %d ms", cfg.Call.SampleRate, cfg.Call.FrameMs)
	}
	if cfg.Call.VAD.OpenFrames != 3 || cfg.Call.VAD.CloseFrames != 25 {
		t.Errorf("default VAD hangover = %d/%d", cfg.Call.VAD.OpenFrames, cfg.Call.VAD.CloseFrames)
	}
	if cfg.Call.STTFinalTimeout.Std() != 1500*time.Millisecond {
		t.Errorf("default stt_final_timeout = %v", cfg.Call.STTFinalTimeout.Std())
	}
	if len(cfg.Agent.FallbackPhrases) == 0 {
		t.Error("default fallback phrases missing")
	}
}

func TestLoadFromReader_Durations(t *testing.T) {
	yaml := minimalYAML + `
call:
  stt_final_timeout: 800ms
  llm_first_chunk_timeout: 2s
  max_duration: 15m
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Call.STTFinalTimeout.Std() != 800*time.Millisecond {
		t.Errorf("stt_final_timeout = %v", cfg.Call.STTFinalTimeout.Std())
	}
	if cfg.Call.LLMFirstChunkTimeout.Std() != 2*time.Second {
		t.Errorf("llm_first_chunk_timeout = %v", cfg.Call.LLMFirstChunkTimeout.Std())
	}
	if cfg.Call.MaxDuration.Std() != 15*time.Minute {
		t.Errorf("max_duration = %v", cfg.Call.MaxDuration.Std())
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	yaml := minimalYAML + `
call:
  stt_final_timeout: "soon"
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	yaml := minimalYAML + `
telephony_mode: fancy
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("expected error for unknown top-level field")
	}
}

func TestLoad_ExpandsEnvironmentReferences(t *testing.T) {
	t.Setenv("VOXLINE_TEST_DG_KEY", "dg-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := strings.Replace(minimalYAML, "api_key: dg-key", "api_key: ${VOXLINE_TEST_DG_KEY}", 1)
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.APIKey != "dg-from-env" {
		t.Errorf("stt api_key = %q, want value from environment", cfg.Providers.STT.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want os.ErrNotExist", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{LogLevel: "loud"},
		Call: CallConfig{
			SampleRate:         44100,
			FrameMs:            20,
			VAD:                VADConfig{Sensitivity: 9, OpenFrames: 3, CloseFrames: 25},
			ContextTurns:       4,
			ContextTokenBudget: 1000,
		},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "sample_rate", "sensitivity", "providers.stt", "providers.llm", "providers.tts"} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error missing %q: %s", want, msg)
		}
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"}
	if err := Validate(cfg); err == nil {
		t.Error("expected error for TLS missing key_file")
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	r := NewRegistry()

	if _, err := r.CreateSTT(ProviderEntry{Name: "deepgram"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateSTT error = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateLLM(ProviderEntry{Name: "openai"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateLLM error = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateTTS(ProviderEntry{Name: "elevenlabs"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateTTS error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	r := NewRegistry()

	r.RegisterSTT("mock", func(e ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	r.RegisterLLM("mock", func(e ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	r.RegisterTTS("mock", func(e ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	if _, err := r.CreateSTT(ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := r.CreateLLM(ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	if _, err := r.CreateTTS(ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
}

func TestRegistry_FactoryEntryPassthrough(t *testing.T) {
	r := NewRegistry()

	var got ProviderEntry
	r.RegisterLLM("capture", func(e ProviderEntry) (llm.Provider, error) {
		got = e
		return &llmmock.Provider{}, nil
	})

	entry := ProviderEntry{Name: "capture", APIKey: "k", Model: "m", BaseURL: "http://x"}
	if _, err := r.CreateLLM(entry); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if got.Name != entry.Name || got.APIKey != entry.APIKey || got.Model != entry.Model || got.BaseURL != entry.BaseURL {
		t.Errorf("factory received %+v, want %+v", got, entry)
	}
}
