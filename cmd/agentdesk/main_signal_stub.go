//go:build excludemain

package main

import "context"

// With -tags=excludemain (coverage build) serve only stops when its parent
// context is canceled.
func init() {
	shutdownContext = context.WithCancel
}
