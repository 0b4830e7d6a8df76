package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
)

// HMACSigner signs and verifies envelopes with a mesh-wide shared secret.
// Every agent in the mesh holds the same key, so it authenticates membership
// rather than individual senders.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a signer from a shared secret.
// Returns error if the secret is empty.
func NewHMACSigner(secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("shared secret must not be empty")
	}
	return &HMACSigner{key: []byte(secret)}, nil
}

// Sign returns the HMAC-SHA256 tag over payload.
func (s *HMACSigner) Sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// Verify recomputes the tag and compares in constant time. The sender id is
// ignored; a shared secret cannot distinguish senders.
func (s *HMACSigner) Verify(_ string, payload, signature []byte) error {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), signature) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Ed25519Signer signs with this agent's private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Ed25519Signer{priv: priv}, nil
}

// GenerateEd25519Signer creates a fresh keypair, returning the signer and
// the public key to distribute to peers.
func GenerateEd25519Signer() (*Ed25519Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Ed25519Signer{priv: priv}, pub, nil
}

// Sign produces an Ed25519 signature over payload.
func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}

// Ed25519Verifier checks envelope signatures against a registry of known
// sender public keys. Unknown senders are rejected outright.
type Ed25519Verifier struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewEd25519Verifier creates an empty verifier.
func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{keys: make(map[string]ed25519.PublicKey)}
}

// Register binds a sender id to its public key, replacing any previous key.
func (v *Ed25519Verifier) Register(senderID string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	v.mu.Lock()
	v.keys[senderID] = pub
	v.mu.Unlock()
	return nil
}

// Verify checks the signature against the sender's registered key.
func (v *Ed25519Verifier) Verify(senderID string, payload, signature []byte) error {
	v.mu.RLock()
	pub, ok := v.keys[senderID]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no public key registered for %q", senderID)
	}
	if !ed25519.Verify(pub, payload, signature) {
		return fmt.Errorf("signature mismatch for %q", senderID)
	}
	return nil
}
