package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. References like ${DEEPGRAM_API_KEY} are expanded from the
// environment before parsing, so credentials can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Call
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.FrameMs == 0 {
		c.FrameMs = 20
	}
	if c.VAD.OpenFrames == 0 {
		c.VAD.OpenFrames = 3
	}
	if c.VAD.CloseFrames == 0 {
		c.VAD.CloseFrames = 25
	}
	if c.VAD.Sensitivity == 0 {
		c.VAD.Sensitivity = 2
	}
	if c.InboundBufferFrames == 0 {
		c.InboundBufferFrames = 150 // 3s at 20ms frames
	}
	if c.ContextTurns == 0 {
		c.ContextTurns = 12
	}
	if c.ContextTokenBudget == 0 {
		c.ContextTokenBudget = 3000
	}
	if c.MaxResponseTokens == 0 {
		c.MaxResponseTokens = 256
	}
	if c.Temperature == 0 {
		c.Temperature = 0.6
	}
	if c.STTFinalTimeout == 0 {
		c.STTFinalTimeout = Duration(1500 * time.Millisecond)
	}
	if c.LLMFirstChunkTimeout == 0 {
		c.LLMFirstChunkTimeout = Duration(3 * time.Second)
	}
	if c.LLMCompletionTimeout == 0 {
		c.LLMCompletionTimeout = Duration(20 * time.Second)
	}
	if c.TTSChunkTimeout == 0 {
		c.TTSChunkTimeout = Duration(5 * time.Second)
	}

	if len(cfg.Agent.FallbackPhrases) == 0 {
		cfg.Agent.FallbackPhrases = []string{
			"I'm sorry, I'm having trouble right now. Could you repeat that?",
			"Apologies, something went wrong on my end. One moment please.",
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	c := cfg.Call
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("call.sample_rate %d is unsupported; valid values: 8000, 16000", c.SampleRate))
	}
	if c.FrameMs <= 0 || c.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("call.frame_ms %d is out of range (0, 100]", c.FrameMs))
	}
	if c.VAD.Sensitivity < 0 || c.VAD.Sensitivity > 5 {
		errs = append(errs, fmt.Errorf("call.vad.sensitivity %d is out of range [0, 5]", c.VAD.Sensitivity))
	}
	if c.VAD.OpenFrames <= 0 {
		errs = append(errs, fmt.Errorf("call.vad.open_frames must be positive, got %d", c.VAD.OpenFrames))
	}
	if c.VAD.CloseFrames <= 0 {
		errs = append(errs, fmt.Errorf("call.vad.close_frames must be positive, got %d", c.VAD.CloseFrames))
	}
	if c.ContextTurns < 1 {
		errs = append(errs, fmt.Errorf("call.context_turns must be at least 1, got %d", c.ContextTurns))
	}
	if c.ContextTokenBudget < 1 {
		errs = append(errs, fmt.Errorf("call.context_token_budget must be positive, got %d", c.ContextTokenBudget))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("call.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("call.max_duration must not be negative"))
	}

	if cfg.Agent.VoiceID == "" && cfg.Providers.TTS.Name != "" {
		slog.Warn("agent.voice_id is empty; the TTS provider's default voice will be used")
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; call records will be kept in memory only")
	}

	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
