//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyReload subscribes SIGUSR1 for config reload requests.
func notifyReload(sigs chan<- os.Signal) {
	signal.Notify(sigs, syscall.SIGUSR1)
}

func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
