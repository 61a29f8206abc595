// Package pricing holds the model pricing table and the cost formula the
// usage/cost pipeline (component I) applies to every completed request.
package pricing

import (
	"fmt"
	"strings"
	"sync"
)

// ModelPrice is the per-token rate for one model, in micro-USD per token.
type ModelPrice struct {
	InputPerToken       int64
	OutputPerToken      int64
	CacheCreatePerToken int64
	CacheReadPerToken   int64
	Ephemeral5mPerToken int64
	Ephemeral1hPerToken int64
	MaxTokens           int64 // 0 = no clamp
}

// Usage is the token breakdown reported by an upstream response.
type Usage struct {
	Model                string
	InputTokens          int64
	OutputTokens         int64
	CacheCreateTokens    int64
	CacheReadTokens      int64
	Ephemeral5mTokens    int64
	Ephemeral1hTokens    int64
}

// longContextMarker denotes the `[1m]`-suffixed model ids whose long
// context window kicks in above the threshold below.
const longContextMarker = "[1m]"
const longContextThreshold = 200_000

// Table is a read-mostly, periodically-refreshed mapping from model id to
// its price. Safe for concurrent reads and atomic whole-table reload.
type Table struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewTable creates a pricing Table seeded with prices.
func NewTable(prices map[string]ModelPrice) *Table {
	return &Table{prices: prices}
}

// Reload atomically replaces the entire pricing table — the loader is an
// external collaborator (spec §1's out-of-scope "pricing-table loader");
// Reload is the seam it calls into.
func (t *Table) Reload(prices map[string]ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices = prices
}

// Lookup returns the price for model, if known.
func (t *Table) Lookup(model string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[model]
	return p, ok
}

// ClampMaxTokens returns requested clamped to the model's configured max,
// or requested unchanged if the model has no configured max or is unknown.
func (t *Table) ClampMaxTokens(model string, requested int64) int64 {
	p, ok := t.Lookup(model)
	if !ok || p.MaxTokens <= 0 || requested <= p.MaxTokens {
		return requested
	}
	return p.MaxTokens
}

// Cost computes the micro-USD cost of a usage record. Returns an error if
// the model is not in the table, since cost depends only on (model,
// token counts) and the pricing table per spec §3.
func (t *Table) Cost(u Usage) (int64, error) {
	p, ok := t.Lookup(u.Model)
	if !ok {
		return 0, fmt.Errorf("pricing: unknown model %q", u.Model)
	}

	cost := u.InputTokens*p.InputPerToken +
		u.OutputTokens*p.OutputPerToken +
		u.CacheCreateTokens*p.CacheCreatePerToken +
		u.CacheReadTokens*p.CacheReadPerToken +
		u.Ephemeral5mTokens*p.Ephemeral5mPerToken +
		u.Ephemeral1hTokens*p.Ephemeral1hPerToken

	return cost, nil
}

// IsLongContext reports whether the request should be billed against the
// long-context tier: the model id carries a `[1m]` marker AND total input
// exceeds the threshold.
func IsLongContext(model string, totalInputTokens int64) bool {
	return strings.Contains(model, longContextMarker) && totalInputTokens > longContextThreshold
}

// IsOpusFamily reports whether model belongs to the Opus family, used to
// decide whether a usage event also contributes to the weekly Opus cost
// counter (restricted to Claude/Claude-Console accounts by the caller).
func IsOpusFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}
