// Package signals maps OS shutdown signals onto context cancellation.
package signals

import (
	"context"
	"os/signal"
)

// NotifyContext returns a copy of parent that is canceled on the first
// shutdown signal or when parent is done. Call stop to release the signal
// registration.
func NotifyContext(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, ShutdownSignals()...)
}
