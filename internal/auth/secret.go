package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// InternalSecretFile is the file name used for the generated internal signing key.
const InternalSecretFile = "internal_secret"

// LoadOrCreateSecret reads dir/name, or generates and persists a new 256-bit
// hex-encoded secret if the file is missing or empty.
func LoadOrCreateSecret(dir, name string) (string, error) {
	path := filepath.Join(dir, name)

	data, err := os.ReadFile(path) //nolint:gosec // path is built from configured secret dir
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	}

	return RotateSecret(dir, name)
}

// RotateSecret generates a new secret, replacing any existing one.
// Every token signed with the old secret stops verifying.
func RotateSecret(dir, name string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}

	slog.Info("generated new secret", "path", path)
	return secret, nil
}
