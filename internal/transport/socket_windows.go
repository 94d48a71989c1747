//go:build windows

package transport

import (
	"context"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// listenSocket binds a named pipe at path (\\.\pipe\<app>-daemon).
func listenSocket(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

// dialSocket connects to the named pipe at path.
func dialSocket(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return winio.DialPipeContext(dialCtx, path)
}

// removeSocket is a no-op for named pipes; the kernel reclaims them.
func removeSocket(string) {}
