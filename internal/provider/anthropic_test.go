package provider

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type stubAnthropicMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubAnthropicMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestAnthropic_ChatCompletion_TextOnly(t *testing.T) {
	stub := &stubAnthropicMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "hi there"},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	p, err := NewAnthropic(stub, "claude-3.5-sonnet")
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}

	resp, err := p.ChatCompletion(context.Background(), Request{
		Messages:  []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Text != "hi there" {
		t.Errorf("Text = %q, want %q", resp.Text, "hi there")
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, FinishStop)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Errorf("expected 1 encoded message, got %d", len(stub.lastParams.Messages))
	}
}

func TestAnthropic_ChatCompletion_ToolUse(t *testing.T) {
	stub := &stubAnthropicMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", ID: "call_1", Name: "lookup", Input: []byte(`{"query":"weather"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
		},
	}
	p, _ := NewAnthropic(stub, "claude-3.5-sonnet")

	resp, err := p.ChatCompletion(context.Background(), Request{
		Messages:  []Message{{Role: RoleUser, Content: "what's the weather"}},
		MaxTokens: 128,
		Tools:     []ToolSpec{{Name: "lookup", Description: "looks things up"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.FinishReason != FinishToolUse {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, FinishToolUse)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["query"] != "weather" {
		t.Errorf("Arguments = %+v", resp.ToolCalls[0].Arguments)
	}
}

func TestAnthropic_ChatCompletion_RequiresMaxTokens(t *testing.T) {
	p, _ := NewAnthropic(&stubAnthropicMessages{}, "claude-3.5-sonnet")
	_, err := p.ChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err == nil {
		t.Fatal("expected error when max tokens is unset")
	}
}

func TestNewAnthropic_RequiresDefaultModel(t *testing.T) {
	if _, err := NewAnthropic(&stubAnthropicMessages{}, ""); err == nil {
		t.Fatal("expected error for empty default model")
	}
}
