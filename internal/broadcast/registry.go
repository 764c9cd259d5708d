package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Handler is the local half of a broadcastable operation. It runs once per
// call in every replica that registered it. A returned error (or a panic)
// becomes the error field of that replica's answer and never affects other
// replicas.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call is the handler-side view of a call envelope, with decode helpers for
// its positional and named arguments.
type Call struct {
	ID      uuid.UUID
	Channel string

	args   []json.RawMessage
	kwargs map[string]json.RawMessage
}

func callFromEnvelope(env *CallEnvelope) *Call {
	return &Call{ID: env.CallID, Channel: env.Channel, args: env.Args, kwargs: env.Kwargs}
}

// NumArgs returns the count of positional arguments.
func (c *Call) NumArgs() int { return len(c.args) }

// Arg unmarshals positional argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.args) {
		return fmt.Errorf("broadcast: call %s has no argument %d", c.Channel, i)
	}
	return json.Unmarshal(c.args[i], v)
}

// Kwarg unmarshals the named argument into v.
func (c *Call) Kwarg(name string, v any) error {
	raw, ok := c.kwargs[name]
	if !ok {
		return fmt.Errorf("broadcast: call %s has no argument %q", c.Channel, name)
	}
	return json.Unmarshal(raw, v)
}

// HasKwarg reports whether the named argument was supplied by the caller.
func (c *Call) HasKwarg(name string) bool {
	_, ok := c.kwargs[name]
	return ok
}

// Registry maps channel names to the local handlers of this process.
// It is populated during application startup and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handler to channel. A channel accepts exactly one handler
// per process; a second registration is a programming error.
func (r *Registry) Register(channel string, handler Handler) error {
	if channel == "" {
		return fmt.Errorf("broadcast: empty channel name")
	}
	if handler == nil {
		return fmt.Errorf("broadcast: nil handler for channel %q", channel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[channel]; ok {
		return fmt.Errorf("%w: %q", ErrChannelRegistered, channel)
	}
	r.handlers[channel] = handler
	return nil
}

// Lookup returns the handler registered on channel, if any.
func (r *Registry) Lookup(channel string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[channel]
	return h, ok
}

// Channels lists the registered channel names in stable order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
