// Package keys manages per-user RSA keypairs.
//
// Every registered user owns exactly one keypair, generated at
// registration and deleted with the user. Private keys are persisted
// server-side: the server must be trusted while it handles key
// material, which is the existing design rather than a goal.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkendrick/sonavault/pkg/cipher"
)

const keyBits = 2048

// ErrKeyNotFound is returned when a user has no registered keypair.
// Distinct from access denial: it is a precondition failure for
// sharing, not a read-time verdict.
type ErrKeyNotFound struct {
	UserID uuid.UUID
}

func (e ErrKeyNotFound) Error() string {
	return "no keypair registered for user " + e.UserID.String()
}

// Store persists user keypairs in SQLite. When a master key is set,
// private keys are sealed at rest with the user id as associated data.
type Store struct {
	db     *sql.DB
	master []byte // nil = private keys stored unencrypted
}

// NewStore creates a keypair store on the given database handle.
func NewStore(db *sql.DB, masterKey []byte) (*Store, error) {
	store := &Store{db: db, master: masterKey}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS user_keys (
			user_id TEXT PRIMARY KEY,
			public_pem BLOB NOT NULL,
			private_pem BLOB NOT NULL,
			sealed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Generate creates and persists a keypair for the user. A second call
// for the same user is an error; keypairs are never rotated.
func (s *Store) Generate(userID uuid.UUID) error {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	})
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	sealed := 0
	if s.master != nil {
		privPEM, err = cipher.Seal(s.master, privPEM, []byte(userID.String()))
		if err != nil {
			return fmt.Errorf("failed to seal private key: %w", err)
		}
		sealed = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO user_keys (user_id, public_pem, private_pem, sealed, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID.String(), pubPEM, privPEM, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store keypair: %w", err)
	}
	return nil
}

// PublicKey returns the user's public key.
func (s *Store) PublicKey(userID uuid.UUID) (*rsa.PublicKey, error) {
	var pubPEM []byte
	err := s.db.QueryRow(
		"SELECT public_pem FROM user_keys WHERE user_id = ?",
		userID.String(),
	).Scan(&pubPEM)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound{UserID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}

	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("corrupt public key for user %s", userID)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// PrivateKey returns the user's private key, unsealing it if needed.
func (s *Store) PrivateKey(userID uuid.UUID) (*rsa.PrivateKey, error) {
	var privPEM []byte
	var sealed int
	err := s.db.QueryRow(
		"SELECT private_pem, sealed FROM user_keys WHERE user_id = ?",
		userID.String(),
	).Scan(&privPEM, &sealed)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound{UserID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	if sealed == 1 {
		if s.master == nil {
			return nil, fmt.Errorf("private key for user %s is sealed and no master key is loaded", userID)
		}
		privPEM, err = cipher.OpenSealed(s.master, privPEM, []byte(userID.String()))
		if err != nil {
			return nil, fmt.Errorf("failed to unseal private key: %w", err)
		}
	}

	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("corrupt private key for user %s", userID)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return priv, nil
}

// Has reports whether the user has a registered keypair.
func (s *Store) Has(userID uuid.UUID) bool {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM user_keys WHERE user_id = ?",
		userID.String(),
	).Scan(&one)
	return err == nil
}

// Delete removes a user's keypair (user deletion path).
func (s *Store) Delete(userID uuid.UUID) error {
	_, err := s.db.Exec("DELETE FROM user_keys WHERE user_id = ?", userID.String())
	return err
}
