package anthropic

import (
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/wordtrail/enrich-cli/internal/resilience"
)

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{
		Content: []ContentBlock{
			{Type: "text", Text: "hello "},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: "world"},
		},
	}
	if got := resp.Text(); got != "hello world" {
		t.Errorf("Text() = %q", got)
	}
}

func TestTokenUsage_Add(t *testing.T) {
	var u TokenUsage
	u.Add(TokenUsage{InputTokens: 100, OutputTokens: 20})
	u.Add(TokenUsage{InputTokens: 50, OutputTokens: 10, CacheReadInputTokens: 30})

	if u.InputTokens != 150 || u.OutputTokens != 30 || u.CacheReadInputTokens != 30 {
		t.Errorf("unexpected usage: %+v", u)
	}
}

func TestEstimateCost_KnownModel(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	got := u.EstimateCost("claude-haiku-4-5-20251001")
	want := 0.80 + 4.00
	if got != want {
		t.Errorf("EstimateCost = %v, want %v", got, want)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000}
	if got := u.EstimateCost("some-other-model"); got != 0 {
		t.Errorf("EstimateCost = %v, want 0", got)
	}
}

func TestEstimateCost_CacheMultipliers(t *testing.T) {
	u := TokenUsage{CacheCreationInputTokens: 1_000_000, CacheReadInputTokens: 1_000_000}
	got := u.EstimateCost("claude-haiku-4-5-20251001")
	want := 0.80*1.25 + 0.80*0.1
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("EstimateCost = %v, want %v", got, want)
	}
}

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("system prompt")
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].CacheControl == nil || blocks[0].CacheControl.TTL != "1h" {
		t.Errorf("expected 1h cache control, got %+v", blocks[0].CacheControl)
	}
}

func TestWrapRequestError(t *testing.T) {
	if got := wrapRequestError(&sdk.Error{StatusCode: 503}); !resilience.IsTransient(got) {
		t.Errorf("503 should be transient, got %v", got)
	}
	if got := wrapRequestError(&sdk.Error{StatusCode: 429}); resilience.IsTransient(got) {
		t.Error("rate limits must stay bare for the credential pool")
	} else if !IsRateLimit(got) {
		t.Error("wrapping must preserve rate-limit detection")
	}
	if got := wrapRequestError(errors.New("boom")); resilience.IsTransient(got) {
		t.Error("plain errors are not transient")
	}
}

func TestIsRateLimit_NonAPIError(t *testing.T) {
	if IsRateLimit(nil) {
		t.Error("nil is not a rate limit")
	}
	if StatusCode(nil) != 0 {
		t.Error("expected status 0 for nil")
	}
}
