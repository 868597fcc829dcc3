//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// createListener creates a unix domain socket listener, owner-only.
func createListener(path string) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("create unix socket: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		os.Remove(path)
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}

	return listener, nil
}

// Dial opens the control socket at path.
func Dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
