// Package capability issues and verifies short-lived access artifacts:
// signed proofs for registered users and token+secret links for
// anonymous recipients.
package capability

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProofTTL is how long a signed proof stays valid.
const ProofTTL = 5 * time.Minute

var (
	// ErrInvalidProof covers malformed proofs, bad signatures, and
	// proofs minted for a different recording.
	ErrInvalidProof = errors.New("invalid capability proof")

	// ErrProofExpired means the proof was well-formed and correctly
	// signed but its timestamp is outside the validity window.
	ErrProofExpired = errors.New("capability proof expired")
)

// proofPayload is the signed claim: this key, at this moment.
type proofPayload struct {
	RecordingID string `json:"recordingId"`
	Timestamp   int64  `json:"timestamp"`
}

// GenerateProof mints a proof of access for a recording, signed with
// the requesting user's private key. The proof is two unpadded URL-safe
// base64 segments joined by a dot: the claim and its signature. The
// alphabet matters because proofs travel as query parameters, where a
// standard-base64 "+" would decode to a space. Possession of the
// proof demonstrates the holder controlled the key within the last
// five minutes.
func GenerateProof(recordingID uuid.UUID, priv *rsa.PrivateKey) (proof string, expiresAt time.Time, err error) {
	now := time.Now()
	return signPayload(recordingID, now, priv)
}

func signPayload(recordingID uuid.UUID, issued time.Time, priv *rsa.PrivateKey) (string, time.Time, error) {
	payload := proofPayload{
		RecordingID: recordingID.String(),
		Timestamp:   issued.Unix(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to encode proof payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	// The signature covers the base64 text, so the verifier checks
	// exactly the bytes it received before decoding anything.
	digest := sha256.Sum256([]byte(encoded))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign proof: %w", err)
	}

	proof := encoded + "." + base64.RawURLEncoding.EncodeToString(sig)
	return proof, issued.Add(ProofTTL), nil
}

// VerifyProof checks a proof against the signer's public key and the
// recording it is being presented for. Structural problems, signature
// mismatches, and recording mismatches all report ErrInvalidProof;
// only a correctly signed but stale proof reports ErrProofExpired.
func VerifyProof(proof string, recordingID uuid.UUID, pub *rsa.PublicKey) error {
	return verifyProofAt(proof, recordingID, pub, time.Now())
}

func verifyProofAt(proof string, recordingID uuid.UUID, pub *rsa.PublicKey, now time.Time) error {
	encoded, sigPart, found := strings.Cut(proof, ".")
	if !found || encoded == "" || sigPart == "" {
		return ErrInvalidProof
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return ErrInvalidProof
	}
	digest := sha256.Sum256([]byte(encoded))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidProof
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ErrInvalidProof
	}
	var payload proofPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ErrInvalidProof
	}
	if payload.RecordingID != recordingID.String() {
		return ErrInvalidProof
	}

	issued := time.Unix(payload.Timestamp, 0)
	if issued.After(now) || now.Sub(issued) > ProofTTL {
		return ErrProofExpired
	}
	return nil
}
