package connpool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryEnsureReturnsSamePoolOnRepeatedCalls(t *testing.T) {
	r := NewRegistry(Config{Size: 2}, testLogger())

	p1, err := r.Ensure(context.Background(), "acct-1", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	p2, err := r.Ensure(context.Background(), "acct-1", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if p1 != p2 {
		t.Fatal("expected the same pool instance on repeated Ensure calls")
	}
}

func TestRegistryGetPoolReportsAbsence(t *testing.T) {
	r := NewRegistry(Config{}, testLogger())

	if _, ok := r.GetPool("missing"); ok {
		t.Fatal("expected no pool to be registered yet")
	}

	if _, err := r.Ensure(context.Background(), "acct-1", ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, ok := r.GetPool("acct-1"); !ok {
		t.Fatal("expected pool to be registered after Ensure")
	}
}

func TestRegistryRemoveForgetsPool(t *testing.T) {
	r := NewRegistry(Config{}, testLogger())
	if _, err := r.Ensure(context.Background(), "acct-1", ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	r.Remove("acct-1", time.Second)

	if _, ok := r.GetPool("acct-1"); ok {
		t.Fatal("expected pool to be forgotten after Remove")
	}
}
