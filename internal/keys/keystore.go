package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mkendrick/sonavault/pkg/cipher"
	"golang.org/x/crypto/argon2"
)

const MasterKeyFileName = "keys.json"

// MasterKeyStore holds the service master key that seals user private
// keys at rest. The key is wrapped under a passphrase-derived key and
// stored as a small JSON file in the data directory.
type MasterKeyStore struct {
	dir string
	mu  sync.RWMutex
}

type masterKeyFile struct {
	Salt       string      `json:"salt"`
	Ciphertext string      `json:"data"`
	Params     argonParams `json:"params"`
}

type argonParams struct {
	Memory      uint32 `json:"mem"`
	Iterations  uint32 `json:"time"`
	Parallelism uint8  `json:"threads"`
}

// Argon2id parameters (OWASP recommendations).
var defaultParams = argonParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 2}

// NewMasterKeyStore creates a store rooted at dir.
func NewMasterKeyStore(dir string) *MasterKeyStore {
	return &MasterKeyStore{dir: dir}
}

// Initialize generates a fresh master key, wraps it under the
// passphrase, and writes the key file.
func (s *MasterKeyStore) Initialize(passphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsInitialized() {
		return fmt.Errorf("master keystore already initialized")
	}

	masterKey, err := cipher.GenerateKey()
	if err != nil {
		return err
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}

	wrapperKey := deriveWrapperKey(passphrase, salt, defaultParams)
	sealed, err := cipher.Seal(wrapperKey, masterKey, nil)
	if err != nil {
		return err
	}

	kf := masterKeyFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Params:     defaultParams,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, MasterKeyFileName), data, 0600)
}

// Unlock recovers the master key with the passphrase.
func (s *MasterKeyStore) Unlock(passphrase []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, MasterKeyFileName))
	if err != nil {
		return nil, err
	}

	var kf masterKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, err
	}

	wrapperKey := deriveWrapperKey(passphrase, salt, kf.Params)
	masterKey, err := cipher.OpenSealed(wrapperKey, sealed, nil)
	if err != nil {
		return nil, errors.New("incorrect passphrase or corrupt key file")
	}
	if len(masterKey) != cipher.KeySize {
		return nil, errors.New("invalid master key size")
	}
	return masterKey, nil
}

// IsInitialized checks whether a key file exists.
func (s *MasterKeyStore) IsInitialized() bool {
	_, err := os.Stat(filepath.Join(s.dir, MasterKeyFileName))
	return err == nil
}

func deriveWrapperKey(passphrase, salt []byte, p argonParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, cipher.KeySize)
}
