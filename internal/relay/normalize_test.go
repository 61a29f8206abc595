package relay

import (
	"testing"

	"github.com/relaygate/relaygate/internal/pricing"
)

func TestNormalizeClampsMaxTokens(t *testing.T) {
	priceTable := pricing.NewTable(map[string]pricing.ModelPrice{
		"claude-opus-4": {MaxTokens: 4096},
	})
	body := map[string]any{"model": "claude-opus-4", "max_tokens": int64(8000)}

	out := Normalize(body, NormalizeOptions{Model: "claude-opus-4", Pricing: priceTable})

	if out["max_tokens"] != int64(4096) {
		t.Fatalf("expected clamp to 4096, got %v", out["max_tokens"])
	}
	if body["max_tokens"] != int64(8000) {
		t.Fatal("expected original request body to be left untouched")
	}
}

func TestNormalizeRemovesTopPWhenTemperaturePresent(t *testing.T) {
	body := map[string]any{"top_p": 0.9, "temperature": 0.7}
	out := Normalize(body, NormalizeOptions{})
	if _, ok := out["top_p"]; ok {
		t.Fatal("expected top_p to be removed")
	}
	if _, ok := body["top_p"]; !ok {
		t.Fatal("expected original request body to be left untouched")
	}
}

func TestNormalizeInjectsClaudeCodeSystemTextForNonClaudeCodeRequest(t *testing.T) {
	body := map[string]any{"system": "be helpful"}
	out := Normalize(body, NormalizeOptions{UserAgent: "curl/8.0"})

	system, ok := out["system"].([]any)
	if !ok || len(system) < 2 {
		t.Fatalf("expected system array with injected text, got %#v", out["system"])
	}
	first := system[0].(map[string]any)
	if first["text"] != claudeCodeSystemText {
		t.Fatalf("expected first system block to be claude code text, got %v", first["text"])
	}
}

func TestNormalizeSkipsInjectionForGenuineClaudeCodeRequest(t *testing.T) {
	body := map[string]any{"system": claudeCodeSystemText}
	out := Normalize(body, NormalizeOptions{UserAgent: "claude-cli/1.0.0"})

	if out["system"] != claudeCodeSystemText {
		t.Fatalf("expected system to be left untouched, got %#v", out["system"])
	}
}

func TestNormalizeStripsCacheControlTTLFromMessages(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{
						"type":          "text",
						"text":          "hi",
						"cache_control": map[string]any{"type": "ephemeral", "ttl": "1h"},
					},
				},
			},
		},
	}

	out := Normalize(body, NormalizeOptions{})
	msgs := out["messages"].([]any)
	msg := msgs[0].(map[string]any)
	content := msg["content"].([]any)
	block := content[0].(map[string]any)
	cc := block["cache_control"].(map[string]any)
	if _, ok := cc["ttl"]; ok {
		t.Fatal("expected ttl field to be stripped")
	}
}

func TestNormalizeAppendsProxySystemPromptOnce(t *testing.T) {
	body := map[string]any{"system": "be helpful"}
	opts := NormalizeOptions{UserAgent: "curl/8.0", ProxySystemPrompt: "house rules apply"}

	out := Normalize(body, opts)
	system := out["system"].([]any)

	count := 0
	for _, b := range system {
		if b.(map[string]any)["text"] == "house rules apply" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected proxy system prompt to appear exactly once, got %d", count)
	}
}
