package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
)

// Listener wraps a net.Listener for cross-platform IPC: a unix domain
// socket, or a named pipe on Windows.
type Listener struct {
	listener net.Listener
	path     string
}

// NewListener creates an IPC listener at the given path, cleaning up a
// stale socket left behind by a crashed daemon.
func NewListener(path string) (*Listener, error) {
	if err := cleanupStaleEndpoint(path); err != nil {
		return nil, fmt.Errorf("cleanup stale endpoint: %w", err)
	}

	listener, err := createListener(path)
	if err != nil {
		return nil, err
	}

	return &Listener{listener: listener, path: path}, nil
}

// Accept waits for and returns the next connection.
func (l *Listener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener and removes the socket file.
func (l *Listener) Close() error {
	err := l.listener.Close()
	if runtime.GOOS != "windows" {
		os.Remove(l.path)
	}
	return err
}

// Path is the endpoint the listener is bound to.
func (l *Listener) Path() string {
	return l.path
}

// cleanupStaleEndpoint removes a socket file nobody is listening on. A live
// socket means another daemon owns the path, which is an error.
func cleanupStaleEndpoint(path string) error {
	if runtime.GOOS == "windows" {
		// Named pipes are managed by the OS; creating a duplicate fails.
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("control socket already in use: %s", path)
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
