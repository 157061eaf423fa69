package inference

import (
	"context"
	"testing"

	"github.com/ppallis/conclave/internal/config"
)

func TestFuncAdapter(t *testing.T) {
	var seen Request
	client := Func(func(ctx context.Context, req Request) (*Response, error) {
		seen = req
		return &Response{Text: "pong", Model: "canned"}, nil
	})

	resp, err := client.Infer(context.Background(), Request{
		System:      "you are a test",
		Prompt:      "ping",
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if resp.Text != "pong" {
		t.Errorf("text = %q, want pong", resp.Text)
	}
	if seen.Prompt != "ping" || seen.System != "you are a test" {
		t.Errorf("request not passed through: %+v", seen)
	}
}

func TestNewProviderSelection(t *testing.T) {
	client, err := New(config.InferenceConfig{Provider: "openai", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, ok := client.(*OpenAI); !ok {
		t.Errorf("expected *OpenAI, got %T", client)
	}

	client, err = New(config.InferenceConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("anthropic: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}

	// Empty provider defaults to openai-compatible
	client, err = New(config.InferenceConfig{})
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, ok := client.(*OpenAI); !ok {
		t.Errorf("expected *OpenAI for empty provider, got %T", client)
	}

	if _, err := New(config.InferenceConfig{Provider: "cohere"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
