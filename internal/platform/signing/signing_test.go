package signing

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	bodyHash := BodyHash([]byte(`{"hello":"world"}`))

	sig := Sign(secret, "POST", "/api/runs/claim", bodyHash, "1700000000", "abc123", "", "")

	if !Verify(secret, "POST", "/api/runs/claim", bodyHash, "1700000000", "abc123", "", "", sig) {
		t.Fatal("expected signature to verify against the same inputs")
	}
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	secret := []byte("shared-secret")
	bodyHash := BodyHash([]byte(`{"hello":"world"}`))
	sig := Sign(secret, "POST", "/api/runs/claim", bodyHash, "1700000000", "abc123", "", "")

	// Changing any signed field must invalidate the signature.
	if Verify(secret, "POST", "/api/runs/claim", bodyHash, "1700000001", "abc123", "", "", sig) {
		t.Error("expected signature to fail after timestamp changed")
	}
	if Verify(secret, "GET", "/api/runs/claim", bodyHash, "1700000000", "abc123", "", "", sig) {
		t.Error("expected signature to fail after method changed")
	}
	if Verify([]byte("wrong-secret"), "POST", "/api/runs/claim", bodyHash, "1700000000", "abc123", "", "", sig) {
		t.Error("expected signature to fail under a different secret")
	}
}

func TestVerifyRejectsRunScopedTamper(t *testing.T) {
	secret := []byte("shared-secret")
	bodyHash := BodyHash(nil)
	sig := Sign(secret, "POST", "/api/runs/run-1/input", bodyHash, "1700000000", "nonce-1", "run-1", "cap-token")

	if !Verify(secret, "POST", "/api/runs/run-1/input", bodyHash, "1700000000", "nonce-1", "run-1", "cap-token", sig) {
		t.Fatal("expected run-scoped signature to verify")
	}
	if Verify(secret, "POST", "/api/runs/run-1/input", bodyHash, "1700000000", "nonce-1", "run-2", "cap-token", sig) {
		t.Error("expected signature to fail against a different run id")
	}
	if Verify(secret, "POST", "/api/runs/run-1/input", bodyHash, "1700000000", "nonce-1", "run-1", "wrong-token", sig) {
		t.Error("expected signature to fail against a different capability token")
	}
}

func TestNewNonceIsRandomAndHex(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce failed: %v", err)
	}
	b, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce failed: %v", err)
	}
	if a == b {
		t.Error("expected two calls to NewNonce to produce different values")
	}
	if len(a) != 32 {
		t.Errorf("expected a 32-char hex nonce, got %d chars", len(a))
	}
}
