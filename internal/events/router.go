package events

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ordersaga/internal/saga"
)

// ErrSourceClosed is returned by Fetch after Close.
var ErrSourceClosed = errors.New("event source closed")

func unknownType(t Type) error {
	return fmt.Errorf("%w: no topic registered for event type %q", saga.ErrValidation, t)
}

// HandlerFunc applies one event. Returning saga.ErrDuplicateEvent means the
// event had already been applied and counts as success.
type HandlerFunc func(ctx context.Context, msg Message, h Header) error

type route struct {
	name   string
	handle HandlerFunc
}

// Router is a typed dispatch table keyed by event type.
type Router struct {
	routes map[Type]route
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[Type]route)}
}

// Handle registers fn for t. Registering a type twice panics, like
// http.ServeMux does for patterns.
func (r *Router) Handle(t Type, name string, fn HandlerFunc) {
	if fn == nil {
		panic("events: nil handler for " + string(t))
	}
	if existing, ok := r.routes[t]; ok {
		panic(fmt.Sprintf("events: %s already handled by %s", t, existing.name))
	}
	r.routes[t] = route{name: name, handle: fn}
}

func (r *Router) lookup(t Type) (route, bool) {
	rt, ok := r.routes[t]
	return rt, ok
}

// Types returns the registered event types, sorted.
func (r *Router) Types() []Type {
	out := make([]Type, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Topics returns the topics the registered types arrive on.
func (r *Router) Topics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range r.Types() {
		topic, ok := TopicFor(t)
		if ok && !seen[topic] {
			seen[topic] = true
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}
