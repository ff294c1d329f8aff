package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	storagePrefix    = "ENC:v1:"
	storageDelimiter = ":"

	// EnvDataEncryptionKey holds the AES data key (base64, hex, or passphrase)
	EnvDataEncryptionKey = "DATA_ENCRYPTION_KEY"

	kdfIterations = 120000
	kdfSaltLabel  = "gridtrade-storage-key"
)

// Service encrypts exchange credentials before they hit the database.
// Values are AES-256-GCM sealed and stored as ENC:v1:<nonce>:<ciphertext>.
type Service struct {
	dataKey []byte
}

// NewService creates the encryption service, loading the key from the environment
func NewService() (*Service, error) {
	key, err := loadDataKeyFromEnv()
	if err != nil {
		return nil, err
	}
	return &Service{dataKey: key}, nil
}

// NewServiceWithKey creates a service from a raw 32-byte key (tests, tooling)
func NewServiceWithKey(key []byte) (*Service, error) {
	if len(key) != 32 {
		return nil, errors.New("data key must be 32 bytes")
	}
	return &Service{dataKey: key}, nil
}

// loadDataKeyFromEnv loads the AES data key from the environment.
// Accepts base64 or hex encoded 32-byte keys; anything else is treated as a
// passphrase and stretched with PBKDF2.
func loadDataKeyFromEnv() ([]byte, error) {
	keyStr := strings.TrimSpace(os.Getenv(EnvDataEncryptionKey))
	if keyStr == "" {
		return nil, fmt.Errorf("environment variable %s is not set", EnvDataEncryptionKey)
	}

	if key, ok := decodePossibleKey(keyStr); ok {
		return key, nil
	}

	return pbkdf2.Key([]byte(keyStr), []byte(kdfSaltLabel), kdfIterations, 32, sha256.New), nil
}

func decodePossibleKey(s string) ([]byte, bool) {
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, true
	}
	if key, err := hex.DecodeString(s); err == nil && len(key) == 32 {
		return key, true
	}
	return nil, false
}

// EncryptForStorage seals plaintext into the ENC:v1: storage format
func (s *Service) EncryptForStorage(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.dataKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return storagePrefix +
		base64.StdEncoding.EncodeToString(nonce) + storageDelimiter +
		base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptFromStorage opens a value sealed by EncryptForStorage
func (s *Service) DecryptFromStorage(stored string) (string, error) {
	if !strings.HasPrefix(stored, storagePrefix) {
		return "", errors.New("value is not in encrypted storage format")
	}

	parts := strings.SplitN(strings.TrimPrefix(stored, storagePrefix), storageDelimiter, 2)
	if len(parts) != 2 {
		return "", errors.New("malformed encrypted storage value")
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", err)
	}

	block, err := aes.NewCipher(s.dataKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", errors.New("malformed nonce length")
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// IsEncryptedStorageValue reports whether a stored value carries the ENC:v1: prefix
func (s *Service) IsEncryptedStorageValue(stored string) bool {
	return strings.HasPrefix(stored, storagePrefix)
}
