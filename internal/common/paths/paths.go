// Package paths resolves platform-appropriate filesystem locations for the
// daemon socket, data directory, and state files.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "roost"

// SocketPath returns the daemon control socket path. Resolution order:
// ROOST_SOCKET, $XDG_RUNTIME_DIR/roost-daemon.sock, /tmp/roost-daemon.sock.
// On Windows a named pipe path is returned.
func SocketPath() string {
	if p := os.Getenv("ROOST_SOCKET"); p != "" {
		return p
	}
	if runtime.GOOS == "windows" {
		return `\\.\pipe\` + appName + "-daemon"
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName+"-daemon.sock")
	}
	return filepath.Join(os.TempDir(), appName+"-daemon.sock")
}

// DataDir returns the directory for persistent daemon state
// (conversations.json, last-active.json, snapshots/, guidance/).
func DataDir() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("APPDATA"); dir != "" {
			return filepath.Join(dir, appName)
		}
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

// StateDir returns the directory for volatile state such as logs.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".local", "state", appName)
}
