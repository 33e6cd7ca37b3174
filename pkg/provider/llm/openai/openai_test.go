package openai

import (
	"testing"

	"github.com/voxline-ai/voxline/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o-mini"); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a support agent.",
		Messages: []llm.Message{
			{Role: "user", Content: "Where is my order?"},
			{Role: "assistant", Content: "Let me check."},
			{Role: "user", Content: "Thanks."},
		},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	if len(params.Messages) != 4 {
		t.Fatalf("expected 4 messages (system + 3), got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message is not the system prompt")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message is not a user message")
	}
	if params.Messages[2].OfAssistant == nil {
		t.Error("third message is not an assistant message")
	}
}

func TestBuildParams_OptionalFields(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Zero temperature and max tokens stay unset so provider defaults apply.
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Temperature.Valid() {
		t.Error("temperature set despite zero value")
	}
	if params.MaxCompletionTokens.Valid() {
		t.Error("max tokens set despite zero value")
	}

	params, err = p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   150,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %+v, want 0.7", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 150 {
		t.Errorf("max tokens = %+v, want 150", params.MaxCompletionTokens)
	}
}

func TestBuildParams_UnknownRole(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "tool", Content: "x"}},
	})
	if err == nil {
		t.Error("expected error for unsupported role")
	}
}

func TestCountTokens_Approximation(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	short, err := p.CountTokens([]llm.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	long, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: "this is a considerably longer message about an order"},
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if short <= 0 || long <= short {
		t.Errorf("expected 0 < short (%d) < long (%d)", short, long)
	}
}
