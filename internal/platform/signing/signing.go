// Package signing implements the canonical-tuple HMAC-SHA256 request signing
// shared by the gateway's verifier (internal/gateway/signing) and the
// agent-side client (internal/agentclient). No third-party library in the
// pack implements generic HMAC-over-canonical-tuple request signing as a
// standalone concern, so this is built directly on crypto/hmac,
// crypto/sha256, crypto/subtle, and encoding/hex.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const sep = "\x1f" // unit separator, never legal in a path/timestamp/nonce

// HeaderTimestamp etc. name the HTTP headers carrying the signed-request envelope.
const (
	HeaderTimestamp       = "X-Timestamp"
	HeaderNonce           = "X-Nonce"
	HeaderSignature       = "X-Signature"
	HeaderRunID           = "X-Run-Id"
	HeaderCapabilityToken = "X-Capability-Token"
)

// BodyHash returns the hex SHA-256 of body (empty string hash for GET/no body).
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Canonical builds the signing input: method || path || bodyHash || timestamp
// || nonce || runId? || capabilityToken?, separated by an ASCII unit
// separator so no field can be confused with another via concatenation.
func Canonical(method, path, bodyHash, timestamp, nonce, runID, capabilityToken string) string {
	s := method + sep + path + sep + bodyHash + sep + timestamp + sep + nonce
	if runID != "" || capabilityToken != "" {
		s += sep + runID + sep + capabilityToken
	}
	return s
}

// Sign computes the hex HMAC-SHA256 of the canonical tuple under secret.
func Sign(secret []byte, method, path, bodyHash, timestamp, nonce, runID, capabilityToken string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Canonical(method, path, bodyHash, timestamp, nonce, runID, capabilityToken)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the expected signature, in constant time.
func Verify(secret []byte, method, path, bodyHash, timestamp, nonce, runID, capabilityToken, sig string) bool {
	expected := Sign(secret, method, path, bodyHash, timestamp, nonce, runID, capabilityToken)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// NewNonce returns a random 128-bit nonce, hex encoded.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signing: failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
