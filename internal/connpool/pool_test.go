package connpool

import (
	"context"
	"testing"
	"time"
)

func TestPassthroughPoolReturnsDefaultTransport(t *testing.T) {
	p := New(Config{AccountID: "acct-1"})
	if !p.Passthrough() {
		t.Fatal("expected passthrough pool with no proxy URL")
	}

	tr, err := p.GetConnection()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a transport")
	}
}

func TestInitializeWarmsConfiguredSize(t *testing.T) {
	p := New(Config{AccountID: "acct-1", ProxyURL: "http://proxy.internal:8080", Size: 3})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	for i := 0; i < 6; i++ {
		if _, err := p.GetConnection(); err != nil {
			t.Fatalf("unexpected error on round-robin call %d: %v", i, err)
		}
	}
}

func TestGetConnectionFailsWhenNoHealthyConns(t *testing.T) {
	p := New(Config{AccountID: "acct-1", ProxyURL: "http://proxy.internal:8080", Size: 1})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	p.MarkUnhealthy(context.Background(), p.conns[0].id, "simulated fatal error")

	if _, err := p.GetConnection(); err == nil {
		t.Fatal("expected pool-degraded error with no healthy connections")
	}
}

func TestIsFatalSocketError(t *testing.T) {
	cases := []struct {
		msg   string
		fatal bool
	}{
		{"dial tcp: connection refused", true},
		{"read: connection reset by peer", true},
		{"some unrelated error", false},
	}
	for _, tc := range cases {
		if got := IsFatalSocketError(fakeErr(tc.msg)); got != tc.fatal {
			t.Errorf("IsFatalSocketError(%q) = %v, want %v", tc.msg, got, tc.fatal)
		}
	}
}

type fakeErr string

func (f fakeErr) Error() string { return string(f) }

func TestSubscribeReceivesEvents(t *testing.T) {
	p := New(Config{AccountID: "acct-1", ProxyURL: "http://proxy.internal:8080", Size: 1})
	ch := p.Subscribe()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventConnected {
			t.Fatalf("expected EventConnected, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected event")
	}
}
