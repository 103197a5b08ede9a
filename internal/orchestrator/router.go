package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"agentdesk/internal/domain"
)

// ErrUnknownProvider is returned when a query names a provider with no
// orchestrator.
var ErrUnknownProvider = errors.New("orchestrator: unknown provider")

// Router dispatches queries to the orchestrator of their provider namespace.
// A query without a provider goes to the default namespace.
type Router struct {
	byNamespace map[string]*Orchestrator
	fallback    string
}

// NewRouter returns a Router over orchs. defaultNamespace may be empty, in
// which case queries must name their provider.
func NewRouter(defaultNamespace string, orchs ...*Orchestrator) *Router {
	r := &Router{byNamespace: make(map[string]*Orchestrator, len(orchs)), fallback: defaultNamespace}
	for _, o := range orchs {
		if o != nil {
			r.byNamespace[o.Namespace()] = o
		}
	}
	return r
}

// SubmitQuery routes q to its provider's orchestrator.
func (r *Router) SubmitQuery(ctx context.Context, q domain.Query) error {
	ns := q.Provider
	if ns == "" {
		ns = r.fallback
	}
	o, ok := r.byNamespace[ns]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, ns)
	}
	return o.SubmitQuery(ctx, q)
}

// Get returns the orchestrator for namespace.
func (r *Router) Get(namespace string) (*Orchestrator, bool) {
	o, ok := r.byNamespace[namespace]
	return o, ok
}

// Providers returns the routed namespaces in sorted order.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.byNamespace))
	for ns := range r.byNamespace {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every orchestrator's background streams have finished.
func (r *Router) Wait() {
	for _, o := range r.byNamespace {
		o.Wait()
	}
}

// Close closes every orchestrator.
func (r *Router) Close() {
	for _, o := range r.byNamespace {
		o.Close()
	}
}
