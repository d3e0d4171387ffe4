package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-password/password"
)

// MasterKeyFile is the file name used to persist a generated master key
const MasterKeyFile = "master.key"

// GenerateMasterKey returns a new random master key
func GenerateMasterKey() (string, error) {
	key, err := password.Generate(48, 12, 0, false, true)
	if err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// LoadOrCreateMasterKey reads the master key persisted in dataDir, creating
// and persisting a new one if none exists. The bool result reports whether
// a key was generated.
func LoadOrCreateMasterKey(dataDir string) (string, bool, error) {
	path := filepath.Join(dataDir, MasterKeyFile)

	data, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", false, fmt.Errorf("master key file %s is empty", path)
		}
		return key, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("failed to read master key: %w", err)
	}

	key, err := GenerateMasterKey()
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", false, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0600); err != nil {
		return "", false, fmt.Errorf("failed to write master key: %w", err)
	}
	return key, true, nil
}
