package credcrypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New("test-encryption-key", "test-salt")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sealed, err := box.Seal("sk-ant-refresh-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "sk-ant-refresh-token" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "sk-ant-refresh-token" {
		t.Fatalf("got %q, want original plaintext", opened)
	}
}

func TestSealOpenEmptyStringRoundTrips(t *testing.T) {
	box, err := New("test-encryption-key", "test-salt")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sealed, err := box.Seal("")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed != "" {
		t.Fatalf("expected empty plaintext to seal to empty string, got %q", sealed)
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "" {
		t.Fatalf("got %q, want empty string", opened)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := New("test-encryption-key", "test-salt")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sealed, err := box.Seal("sensitive-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := []byte(sealed)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := box.Open(string(tampered)); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestNewRejectsEmptyKey(t *testing.T) {
	if _, err := New("", "salt"); err == nil {
		t.Fatal("expected empty encryption key to be rejected")
	}
}
