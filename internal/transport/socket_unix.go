//go:build !windows

package transport

import (
	"context"
	"net"
	"os"
	"time"
)

// listenSocket removes any stale socket file at path and binds a unix
// domain listener there.
func listenSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	// Socket permissions are the only access control on the RPC surface.
	_ = os.Chmod(path, 0600)
	return ln, nil
}

// dialSocket connects to the daemon socket at path.
func dialSocket(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "unix", path)
}

// removeSocket unlinks the socket file after the listener closes.
func removeSocket(path string) {
	_ = os.Remove(path)
}
