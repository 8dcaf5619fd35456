// ABOUTME: Dispatch router delivering decoded events to registered listeners
// ABOUTME: Filters by subscribed intents and isolates listener errors and panics

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-discord/internal/flags"
	"github.com/2389/coven-discord/internal/protocol"
)

// Listener handles one event. Returned errors go to the error hook.
type Listener func(ctx context.Context, ev *protocol.Event) error

// ErrorHook receives listener failures.
type ErrorHook func(ctx context.Context, err *ListenerError)

// ListenerError describes a failed listener invocation.
type ListenerError struct {
	Event      string
	ShardID    int
	ListenerID string
	Err        error
	// Panic holds the recovered value when the listener panicked.
	Panic any
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s for %s on shard %d: %v", e.ListenerID, e.Event, e.ShardID, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

type registration struct {
	id string
	fn Listener
}

// Router maps event names to listeners, invoked synchronously in
// registration order.
type Router struct {
	mu        sync.RWMutex
	listeners map[string][]registration
	names     map[string]string // listener id -> event name
	onError   ErrorHook

	intents flags.Intents
	logger  *slog.Logger
}

// NewRouter creates a router for a client subscribed to intents.
func NewRouter(intents flags.Intents, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		listeners: make(map[string][]registration),
		names:     make(map[string]string),
		intents:   intents,
		logger:    logger.With("component", "dispatch"),
	}
}

// Intents returns the subscribed intents.
func (r *Router) Intents() flags.Intents {
	return r.intents
}

// On registers fn for an event name and returns a handle for Off.
func (r *Router) On(name string, fn Listener) string {
	id := uuid.New().String()

	r.mu.Lock()
	r.listeners[name] = append(r.listeners[name], registration{id: id, fn: fn})
	r.names[id] = name
	r.mu.Unlock()

	r.logger.Debug("listener added", "event", name, "listener_id", id)
	return id
}

// Off removes a listener. It reports whether the handle was registered.
func (r *Router) Off(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.names[id]
	if !ok {
		return false
	}
	delete(r.names, id)

	regs := r.listeners[name]
	kept := make([]registration, 0, len(regs))
	for _, reg := range regs {
		if reg.id != id {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(r.listeners, name)
	} else {
		r.listeners[name] = kept
	}
	return true
}

// OnError sets the hook receiving listener failures. Without a hook they
// are logged.
func (r *Router) OnError(hook ErrorHook) {
	r.mu.Lock()
	r.onError = hook
	r.mu.Unlock()
}

// HasListeners reports whether any listener is registered for name.
func (r *Router) HasListeners(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[name]) > 0
}

// Dispatch delivers ev to its listeners and returns how many were invoked.
// Events whose owning intent is not subscribed are never delivered.
func (r *Router) Dispatch(ctx context.Context, ev *protocol.Event) int {
	if required := flags.RequiredIntents(ev.Name, ev.Data); required != 0 && !r.intents.Any(required) {
		r.logger.Debug("dropping event outside subscribed intents", "event", ev.Name, "required", required)
		return 0
	}

	r.mu.RLock()
	regs := r.listeners[ev.Name]
	hook := r.onError
	r.mu.RUnlock()

	if len(regs) == 0 {
		r.logger.Debug("no listeners for event", "event", ev.Name, "shard_id", ev.ShardID)
		return 0
	}

	// regs is never mutated in place: On appends and Off rebuilds
	for _, reg := range regs {
		if lerr := r.invoke(ctx, reg, ev); lerr != nil {
			if hook != nil {
				hook(ctx, lerr)
			} else {
				r.logger.Error("listener failed", "event", ev.Name, "listener_id", reg.id, "error", lerr.Err)
			}
		}
	}
	return len(regs)
}

func (r *Router) invoke(ctx context.Context, reg registration, ev *protocol.Event) (lerr *ListenerError) {
	defer func() {
		if p := recover(); p != nil {
			lerr = &ListenerError{
				Event:      ev.Name,
				ShardID:    ev.ShardID,
				ListenerID: reg.id,
				Err:        fmt.Errorf("listener panicked: %v", p),
				Panic:      p,
			}
		}
	}()

	if err := reg.fn(ctx, ev); err != nil {
		return &ListenerError{Event: ev.Name, ShardID: ev.ShardID, ListenerID: reg.id, Err: err}
	}
	return nil
}
