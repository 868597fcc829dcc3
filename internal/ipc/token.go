package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-password/password"
)

// TokenFileName is the control-token file name inside the data directory.
const TokenFileName = "control.token"

// GenerateToken creates a fresh per-daemon control token. Letters and
// digits only, so the value survives JSON and shells untouched.
func GenerateToken() (string, error) {
	tok, err := password.Generate(48, 10, 0, false, true)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tok, nil
}

// WriteToken saves the token owner-readable only, creating the directory
// when needed.
func WriteToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// LoadToken reads a token written by WriteToken.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
