//go:build windows

package main

import "os"

// notifyReload is a no-op: Windows has no SIGUSR1.
func notifyReload(chan<- os.Signal) {}

func isReloadSignal(os.Signal) bool { return false }
