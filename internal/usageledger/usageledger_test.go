package usageledger

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeRoundTripsEvent(t *testing.T) {
	e := Event{
		KeyID:        "key-1",
		AccountID:    "acct-1",
		Model:        "claude-opus-4",
		InputTokens:  100,
		OutputTokens: 50,
		CostMicroUSD: 12345,
		RecordedAt:   time.Unix(1700000000, 0).UTC(),
	}

	blob, err := msgpack.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.KeyID != e.KeyID || got.AccountID != e.AccountID || got.CostMicroUSD != e.CostMicroUSD {
		t.Fatalf("Decode round-trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not msgpack")); err == nil {
		t.Fatal("expected error decoding non-msgpack payload")
	}
}

func TestRecordDropsEventWhenBufferFull(t *testing.T) {
	w := &Writer{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		events: make(chan Event, 1),
	}

	w.Record(Event{KeyID: "first"})
	// Buffer now full; this call must not block.
	done := make(chan struct{})
	go func() {
		w.Record(Event{KeyID: "second"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer instead of dropping")
	}
}
