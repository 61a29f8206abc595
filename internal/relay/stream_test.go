package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRelayStreamAccumulatesUsageAcrossSegments(t *testing.T) {
	upstream := strings.NewReader(
		"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-opus-4\",\"usage\":{\"input_tokens\":100,\"cache_read_input_tokens\":10}}}\n\n" +
			"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":50}}\n\n" +
			"data: [DONE]\n\n",
	)
	rec := httptest.NewRecorder()
	clientGone := make(chan struct{})

	outcome := relayStream(rec, upstream, clientGone)

	if outcome.Usage.InputTokens != 100 || outcome.Usage.OutputTokens != 50 || outcome.Usage.CacheReadTokens != 10 {
		t.Fatalf("unexpected merged usage: %+v", outcome.Usage)
	}
	if outcome.Usage.Model != "claude-opus-4" {
		t.Fatalf("expected model to be captured, got %q", outcome.Usage.Model)
	}
	if !outcome.BytesForwarded {
		t.Fatal("expected lines to have been forwarded")
	}
}

func TestRelayStreamDetectsRateLimitErrorEvent(t *testing.T) {
	upstream := strings.NewReader(
		"data: {\"type\":\"error\",\"error\":{\"message\":\"rate limit exceeded, please retry\"}}\n\n",
	)
	rec := httptest.NewRecorder()
	clientGone := make(chan struct{})

	outcome := relayStream(rec, upstream, clientGone)

	if !outcome.RateLimited {
		t.Fatal("expected rate-limited outcome on error event")
	}
}

func TestRelayStreamStopsOnClientDisconnect(t *testing.T) {
	upstream := strings.NewReader("data: {\"type\":\"message_start\"}\n\n")
	rec := httptest.NewRecorder()
	clientGone := make(chan struct{})
	close(clientGone)

	outcome := relayStream(rec, upstream, clientGone)

	if !outcome.ClientGone {
		t.Fatal("expected client-gone outcome")
	}
}
