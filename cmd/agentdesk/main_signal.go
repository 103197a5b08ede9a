//go:build !excludemain

package main

import "agentdesk/internal/signals"

func init() {
	shutdownContext = signals.NotifyContext
}
