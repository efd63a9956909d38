package envelope

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/mkendrick/sonavault/pkg/cipher"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}

	contentKey, _ := cipher.GenerateKey()
	wrapped, err := WrapKey(contentKey, &priv.PublicKey)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	unwrapped, err := UnwrapKey(wrapped, priv)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if !bytes.Equal(contentKey, unwrapped) {
		t.Error("unwrapped key does not match original")
	}

	// OAEP is randomized: wrapping again gives a different ciphertext
	// that still unwraps to the same key.
	wrapped2, err := WrapKey(contentKey, &priv.PublicKey)
	if err != nil {
		t.Fatalf("second wrap failed: %v", err)
	}
	if wrapped == wrapped2 {
		t.Error("two wraps of the same key should differ")
	}
	unwrapped2, err := UnwrapKey(wrapped2, priv)
	if err != nil {
		t.Fatalf("second unwrap failed: %v", err)
	}
	if !bytes.Equal(contentKey, unwrapped2) {
		t.Error("second unwrap mismatch")
	}
}

func TestUnwrapWithWrongKeyFails(t *testing.T) {
	privA, _ := rsa.GenerateKey(rand.Reader, 2048)
	privB, _ := rsa.GenerateKey(rand.Reader, 2048)

	contentKey, _ := cipher.GenerateKey()
	wrapped, err := WrapKey(contentKey, &privA.PublicKey)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	if _, err := UnwrapKey(wrapped, privB); err != ErrUnwrapFailed {
		t.Errorf("expected ErrUnwrapFailed, got %v", err)
	}
}

func TestUnwrapMalformed(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)

	if _, err := UnwrapKey("not base64 !!!", priv); err != ErrUnwrapFailed {
		t.Errorf("expected ErrUnwrapFailed for bad base64, got %v", err)
	}
	if _, err := UnwrapKey("AAAA", priv); err != ErrUnwrapFailed {
		t.Errorf("expected ErrUnwrapFailed for truncated ciphertext, got %v", err)
	}
}
