//go:build unix

package signals

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals that stop `agentdesk serve`.
// On Unix this includes SIGTERM (e.g. from Docker or systemd).
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
