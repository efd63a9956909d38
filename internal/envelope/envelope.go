// Package envelope wraps one-time content keys under per-user RSA keys.
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrUnwrapFailed is returned when a wrapped key cannot be recovered
// with the given private key. Callers surface this as access denial,
// never as a crash or a crypto-specific message.
var ErrUnwrapFailed = errors.New("failed to unwrap content key")

// WrapKey encrypts a content key under the recipient's public key using
// RSA-OAEP with SHA-256. OAEP is randomized, so two wraps of the same
// key produce different ciphertexts; only the round trip is stable.
func WrapKey(contentKey []byte, pub *rsa.PublicKey) (string, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, contentKey, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKey recovers a content key wrapped by WrapKey. A private key
// that does not match the wrapping public key fails with
// ErrUnwrapFailed, as does malformed base64.
func UnwrapKey(wrapped string, priv *rsa.PrivateKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	contentKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, raw, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return contentKey, nil
}
