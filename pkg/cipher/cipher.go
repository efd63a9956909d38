// Package cipher implements the symmetric content cipher for recording
// blobs.
//
// The persisted format is the legacy one: AES-256-CBC with the nonce
// serialized as hex, a single newline, then the raw ciphertext bytes.
// CBC without a MAC cannot detect tampering; Seal/OpenSealed provide an
// XChaCha20-Poly1305 alternative for new deployments, with the
// recording id bound as associated data.
package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 16 // AES block size, used as the CBC IV
)

var (
	ErrInvalidKeyLength   = errors.New("invalid key length")
	ErrInvalidNonceLength = errors.New("invalid nonce length")
	ErrDecryptFailed      = errors.New("decryption failed")
	ErrMalformedBlob      = errors.New("malformed blob framing")
)

// GenerateKey creates a new random 256-bit content key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateNonce creates a new random 128-bit nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Encrypt encrypts plaintext with AES-256-CBC under key and nonce.
func Encrypt(plaintext, key, nonce []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	stdcipher.NewCBCEncrypter(block, nonce).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt reverses Encrypt. Padding and format errors both come back as
// ErrDecryptFailed; callers must not surface anything more specific.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceLength
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	stdcipher.NewCBCDecrypter(block, nonce).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext, aes.BlockSize)
}

// Frame serializes nonce and ciphertext into the persisted blob layout:
// hex(nonce) + "\n" + ciphertext bytes.
func Frame(nonce, ciphertext []byte) []byte {
	framed := make([]byte, 0, hex.EncodedLen(len(nonce))+1+len(ciphertext))
	framed = append(framed, []byte(hex.EncodeToString(nonce))...)
	framed = append(framed, '\n')
	return append(framed, ciphertext...)
}

// ParseFrame splits a persisted blob at the first newline byte and
// hex-decodes the nonce prefix.
func ParseFrame(blob []byte) (nonce, ciphertext []byte, err error) {
	i := bytes.IndexByte(blob, '\n')
	if i < 0 {
		return nil, nil, ErrMalformedBlob
	}
	nonce, err = hex.DecodeString(string(blob[:i]))
	if err != nil {
		return nil, nil, ErrMalformedBlob
	}
	return nonce, blob[i+1:], nil
}

// EncryptFramed encrypts plaintext and returns the framed blob ready to
// persist.
func EncryptFramed(plaintext, key, nonce []byte) ([]byte, error) {
	ciphertext, err := Encrypt(plaintext, key, nonce)
	if err != nil {
		return nil, err
	}
	return Frame(nonce, ciphertext), nil
}

// DecryptFramed parses a framed blob and decrypts it.
func DecryptFramed(blob, key []byte) ([]byte, error) {
	nonce, ciphertext, err := ParseFrame(blob)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	return Decrypt(ciphertext, key, nonce)
}

// DeriveLinkKey derives the symmetric key for a capability link:
// SHA-256(token + ":" + secret).
func DeriveLinkKey(token, secret string) []byte {
	sum := sha256.Sum256([]byte(token + ":" + secret))
	return sum[:]
}

// Seal encrypts plaintext with XChaCha20-Poly1305, nonce prepended.
// aad binds the ciphertext to its context (the recording id).
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenSealed decrypts a Seal blob. Any authentication failure is
// reported as ErrDecryptFailed.
func OpenSealed(key, blob, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}

	plaintext, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// pad applies PKCS#7 padding.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips PKCS#7 padding, rejecting anything inconsistent.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrDecryptFailed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrDecryptFailed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrDecryptFailed
		}
	}
	return data[:len(data)-n], nil
}
