//go:build unix

package cmd

import "syscall"

// Signals that cancel a running deploy or cleanup
var (
	signalInterrupt = syscall.SIGINT
	signalTerminate = syscall.SIGTERM
)
