//go:build windows

package cmd

import "os"

// Windows doesn't have SIGTERM; both map to the console interrupt
var (
	signalInterrupt = os.Interrupt
	signalTerminate = os.Interrupt
)
