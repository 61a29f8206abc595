package tenantkey

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeKV struct {
	hashes map[string]string
	fields map[string]map[string]any
	deleted []string
}

func newFakeKV() *fakeKV {
	return &fakeKV{hashes: make(map[string]string), fields: make(map[string]map[string]any)}
}

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.hashes[key] = value
	return nil
}

func (f *fakeKV) HSet(ctx context.Context, key string, fields map[string]any) error {
	if f.fields[key] == nil {
		f.fields[key] = make(map[string]any)
	}
	for k, v := range fields {
		f.fields[key][k] = v
	}
	return nil
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys...)
	for _, k := range keys {
		delete(f.hashes, k)
		delete(f.fields, k)
	}
	return nil
}

func TestProvisionWritesHashAndIndex(t *testing.T) {
	kv := newFakeKV()
	id := uuid.New()
	r := row{
		ID:          id,
		KeyHash:     "deadbeef",
		Name:        "test tenant",
		Active:      true,
		Permissions: "claude",
		CreatedAt:   time.Now(),
	}

	if err := provision(context.Background(), kv, r); err != nil {
		t.Fatalf("provision: %v", err)
	}

	if kv.hashes[apikeyIndexKey("deadbeef")] != id.String() {
		t.Fatal("expected hash index to map to the key id")
	}
	fields := kv.fields[apikeyHashKey(id.String())]
	if fields["name"] != "test tenant" || fields["active"] != "true" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}

func TestDeprovisionRemovesBothEntries(t *testing.T) {
	kv := newFakeKV()
	id := uuid.New()
	r := row{ID: id, KeyHash: "deadbeef", CreatedAt: time.Now()}
	if err := provision(context.Background(), kv, r); err != nil {
		t.Fatalf("provision: %v", err)
	}

	if err := deprovision(context.Background(), kv, id.String(), "deadbeef"); err != nil {
		t.Fatalf("deprovision: %v", err)
	}

	if _, ok := kv.hashes[apikeyIndexKey("deadbeef")]; ok {
		t.Fatal("expected hash index to be removed")
	}
	if _, ok := kv.fields[apikeyHashKey(id.String())]; ok {
		t.Fatal("expected key hash to be removed")
	}
}

func TestJoinBindingsIsOrderIndependentPairFormat(t *testing.T) {
	out := joinBindings(map[string]string{"claude": "acct-1"})
	if out != "claude=acct-1" {
		t.Fatalf("unexpected bindings encoding: %q", out)
	}
	if joinBindings(nil) != "" {
		t.Fatal("expected empty bindings to encode as empty string")
	}
}
