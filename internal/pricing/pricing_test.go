package pricing

import "testing"

func TestCostFormula(t *testing.T) {
	table := NewTable(map[string]ModelPrice{
		"claude-3-sonnet": {
			InputPerToken:       3,
			OutputPerToken:      15,
			CacheCreatePerToken: 4,
			CacheReadPerToken:   1,
		},
	})

	cost, err := table.Cost(Usage{
		Model:             "claude-3-sonnet",
		InputTokens:       1000,
		OutputTokens:      500,
		CacheCreateTokens: 100,
		CacheReadTokens:   50,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := int64(1000*3 + 500*15 + 100*4 + 50*1)
	if cost != want {
		t.Fatalf("cost = %d, want %d", cost, want)
	}
}

func TestCostUnknownModel(t *testing.T) {
	table := NewTable(map[string]ModelPrice{})
	if _, err := table.Cost(Usage{Model: "unknown-model"}); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestIsLongContext(t *testing.T) {
	cases := []struct {
		model  string
		tokens int64
		want   bool
	}{
		{"claude-3-sonnet[1m]", 250_000, true},
		{"claude-3-sonnet[1m]", 100_000, false},
		{"claude-3-sonnet", 300_000, false},
	}
	for _, tc := range cases {
		if got := IsLongContext(tc.model, tc.tokens); got != tc.want {
			t.Errorf("IsLongContext(%q, %d) = %v, want %v", tc.model, tc.tokens, got, tc.want)
		}
	}
}

func TestClampMaxTokens(t *testing.T) {
	table := NewTable(map[string]ModelPrice{
		"claude-3-haiku": {MaxTokens: 4096},
	})

	if got := table.ClampMaxTokens("claude-3-haiku", 8192); got != 4096 {
		t.Fatalf("expected clamp to 4096, got %d", got)
	}
	if got := table.ClampMaxTokens("claude-3-haiku", 2048); got != 2048 {
		t.Fatalf("expected no clamp below max, got %d", got)
	}
	if got := table.ClampMaxTokens("unknown-model", 9999); got != 9999 {
		t.Fatalf("expected unchanged value for unknown model, got %d", got)
	}
}
