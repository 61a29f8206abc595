package relay

import (
	"github.com/relaygate/relaygate/internal/pricing"
)

// claudeCodeSystemText is the canonical Claude Code CLI system prompt
// prefix injected ahead of the caller's own system content when a
// request doesn't already look like a genuine Claude Code request.
const claudeCodeSystemText = "You are Claude Code, Anthropic's official CLI for Claude."

// systemBlock is one element of a normalized system array.
type systemBlock struct {
	Type         string         `json:"type"`
	Text         string         `json:"text"`
	CacheControl map[string]any `json:"cache_control,omitempty"`
}

// NormalizeOptions carries the per-request context normalize needs.
type NormalizeOptions struct {
	Model               string
	UserAgent           string
	ProxySystemPrompt    string
	Pricing             *pricing.Table
}

// Normalize applies spec §4.H's request-body transformations. It mutates
// only the fields that change; fields untouched by any rule are left
// referencing the caller's original value (copy-on-write, per spec).
func Normalize(body map[string]any, opts NormalizeOptions) map[string]any {
	out := body

	if maxTokens, ok := asInt64(out["max_tokens"]); ok && opts.Pricing != nil {
		clamped := opts.Pricing.ClampMaxTokens(opts.Model, maxTokens)
		if clamped != maxTokens {
			out = copyOnWrite(out)
			out["max_tokens"] = clamped
		}
	}

	system, systemChanged := normalizeSystem(out["system"], opts)
	if systemChanged {
		out = copyOnWrite(out)
		out["system"] = system
	}

	if msgs, ok := out["messages"].([]any); ok {
		newMsgs, changed := stripCacheControlFromMessages(msgs)
		if changed {
			out = copyOnWrite(out)
			out["messages"] = newMsgs
		}
	}

	if _, hasTopP := out["top_p"]; hasTopP {
		if _, hasTemp := out["temperature"]; hasTemp {
			out = copyOnWrite(out)
			delete(out, "top_p")
		}
	}

	return out
}

// copyOnWrite performs a single shallow copy of the top-level map the
// first time a rule needs to mutate it, so unrelated fields keep
// referencing the original request's values.
func copyOnWrite(body map[string]any) map[string]any {
	cp := make(map[string]any, len(body)+1)
	for k, v := range body {
		cp[k] = v
	}
	return cp
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

// normalizeSystem builds the system array: Claude Code's own system text
// is injected first (deduplicated) unless the request already looks like
// a genuine Claude Code call, the caller's own system content follows,
// cache_control.ttl fields are stripped throughout, and the configured
// proxy system prompt is appended if not already present.
func normalizeSystem(raw any, opts NormalizeOptions) (any, bool) {
	blocks, wasString := toSystemBlocks(raw)
	changed := false

	firstText := ""
	if len(blocks) > 0 {
		firstText = blocks[0].Text
	}

	if !isClaudeCodeRequest(opts.UserAgent, firstText) {
		if !containsSystemText(blocks, claudeCodeSystemText) {
			blocks = append([]systemBlock{{
				Type:         "text",
				Text:         claudeCodeSystemText,
				CacheControl: map[string]any{"type": "ephemeral"},
			}}, blocks...)
			changed = true
		}
	}

	for i := range blocks {
		if blocks[i].CacheControl != nil {
			if _, hasTTL := blocks[i].CacheControl["ttl"]; hasTTL {
				// Copy before dropping ttl: the map may belong to the caller's body.
				cc := make(map[string]any, len(blocks[i].CacheControl))
				for k, v := range blocks[i].CacheControl {
					if k != "ttl" {
						cc[k] = v
					}
				}
				blocks[i].CacheControl = cc
				changed = true
			}
		}
	}

	if opts.ProxySystemPrompt != "" && !containsSystemText(blocks, opts.ProxySystemPrompt) {
		blocks = append(blocks, systemBlock{Type: "text", Text: opts.ProxySystemPrompt})
		changed = true
	}

	if !changed {
		return raw, false
	}

	if wasString && len(blocks) == 0 {
		return raw, false
	}
	return systemBlocksToAny(blocks), true
}

func containsSystemText(blocks []systemBlock, text string) bool {
	for _, b := range blocks {
		if b.Text == text {
			return true
		}
	}
	return false
}

func toSystemBlocks(raw any) ([]systemBlock, bool) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, true
		}
		return []systemBlock{{Type: "text", Text: v}}, true
	case []any:
		blocks := make([]systemBlock, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			b := systemBlock{Type: asString(m["type"]), Text: asString(m["text"])}
			if cc, ok := m["cache_control"].(map[string]any); ok {
				b.CacheControl = cc
			}
			blocks = append(blocks, b)
		}
		return blocks, false
	default:
		return nil, false
	}
}

func systemBlocksToAny(blocks []systemBlock) []any {
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		m := map[string]any{"type": b.Type, "text": b.Text}
		if b.CacheControl != nil {
			m["cache_control"] = b.CacheControl
		}
		out = append(out, m)
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// stripCacheControlFromMessages removes cache_control.ttl from every
// content block of every message, returning a new slice only if a change
// was actually made.
func stripCacheControlFromMessages(msgs []any) ([]any, bool) {
	changed := false
	out := make([]any, len(msgs))
	for i, raw := range msgs {
		msg, ok := raw.(map[string]any)
		if !ok {
			out[i] = raw
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			out[i] = raw
			continue
		}
		newContent := make([]any, len(content))
		msgChanged := false
		for j, block := range content {
			bm, ok := block.(map[string]any)
			if !ok {
				newContent[j] = block
				continue
			}
			cc, ok := bm["cache_control"].(map[string]any)
			if !ok {
				if _, hasTTL := bm["ttl"]; !hasTTL {
					newContent[j] = block
					continue
				}
			}
			if _, hasTTL := cc["ttl"]; hasTTL {
				newBlock := make(map[string]any, len(bm))
				for k, v := range bm {
					newBlock[k] = v
				}
				newCC := make(map[string]any, len(cc))
				for k, v := range cc {
					newCC[k] = v
				}
				delete(newCC, "ttl")
				newBlock["cache_control"] = newCC
				newContent[j] = newBlock
				msgChanged = true
				continue
			}
			newContent[j] = block
		}
		if msgChanged {
			newMsg := make(map[string]any, len(msg))
			for k, v := range msg {
				newMsg[k] = v
			}
			newMsg["content"] = newContent
			out[i] = newMsg
			changed = true
		} else {
			out[i] = raw
		}
	}
	if !changed {
		return msgs, false
	}
	return out, true
}
