package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	suffixRoot       = "-root"
	suffixApp        = "-app"
	suffixMonitoring = "-monitor"

	derivedPasswordBytes = 16
)

// SharedCredentials are the credentials that are identical for every cluster.
// The topology registrar connects to all clusters with the same account, so
// the replication and registrar users are fixed rather than derived.
type SharedCredentials struct {
	ReplicationUser     string
	ReplicationPassword string
	RegistrarUser       string
	RegistrarPassword   string
}

// SecretsManager handles encryption of secrets at rest and derivation of
// per-cluster database credentials
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
	derivationKey []byte // HMAC key for per-cluster passwords
	basePassword  string
	shared        SharedCredentials
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
		derivationKey: key,
	}, nil
}

// NewSecretsManagerFromMasterKey derives independent encryption and password
// derivation keys from masterKey with HKDF-SHA256
func NewSecretsManagerFromMasterKey(masterKey, basePassword string, shared SharedCredentials) (*SecretsManager, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	encKey, err := expand(masterKey, "burrow secrets encryption")
	if err != nil {
		return nil, err
	}
	derKey, err := expand(masterKey, "burrow password derivation")
	if err != nil {
		return nil, err
	}

	return &SecretsManager{
		encryptionKey: encKey,
		derivationKey: derKey,
		basePassword:  basePassword,
		shared:        shared,
	}, nil
}

func expand(masterKey, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// EncryptSecret encrypts plaintext data using AES-256-GCM
// Returns encrypted data with nonce prepended
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	gcm, err := sm.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret
// Expects nonce to be prepended to ciphertext
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	gcm, err := sm.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func (sm *SecretsManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptString encrypts s and returns it base64 encoded for storage
func (sm *SecretsManager) EncryptString(s string) (string, error) {
	data, err := sm.EncryptSecret([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptString reverses EncryptString
func (sm *SecretsManager) DecryptString(s string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}
	plaintext, err := sm.DecryptSecret(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DerivePassword returns hash(clusterID, basePassword+suffix). The result is
// stable for a given master key and base password and differs per cluster.
func (sm *SecretsManager) DerivePassword(clusterID, suffix string) string {
	mac := hmac.New(sha256.New, sm.derivationKey)
	mac.Write([]byte(clusterID))
	mac.Write([]byte{0})
	mac.Write([]byte(sm.basePassword + suffix))
	return hex.EncodeToString(mac.Sum(nil)[:derivedPasswordBytes])
}

// GenerateMySQLRootPassword derives the root password of a cluster
func (sm *SecretsManager) GenerateMySQLRootPassword(clusterID string) string {
	return sm.DerivePassword(clusterID, suffixRoot)
}

// GenerateAppPassword derives the application user password of a cluster
func (sm *SecretsManager) GenerateAppPassword(clusterID string) string {
	return sm.DerivePassword(clusterID, suffixApp)
}

// GenerateMonitoringPassword derives the ProxySQL monitor user password of a cluster
func (sm *SecretsManager) GenerateMonitoringPassword(clusterID string) string {
	return sm.DerivePassword(clusterID, suffixMonitoring)
}

// Shared returns the fixed credentials used by every cluster
func (sm *SecretsManager) Shared() SharedCredentials {
	return sm.shared
}
