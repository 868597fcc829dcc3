//go:build windows

package ipc

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// createListener creates a Windows named pipe listener, creator/owner only.
func createListener(path string) (net.Listener, error) {
	config := &winio.PipeConfig{
		SecurityDescriptor: "",
		InputBufferSize:    65536,
		OutputBufferSize:   65536,
	}

	listener, err := winio.ListenPipe(path, config)
	if err != nil {
		return nil, fmt.Errorf("create named pipe: %w", err)
	}

	return listener, nil
}

// Dial opens the control pipe at path.
func Dial(path string) (net.Conn, error) {
	return winio.DialPipe(path, nil)
}
