package chatsock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry errors. All of them are configuration bugs caught at startup.
var (
	ErrDuplicateHandler = errors.New("handler already registered for msgid")
	ErrNilHandler       = errors.New("nil handler")
	ErrRegistrySealed   = errors.New("registry is sealed")
)

// HandlerFunc processes one decoded message. Handlers run synchronously on
// the connection's read goroutine or event loop; conn is valid for the
// duration of the call and may be retained for later Sends.
type HandlerFunc func(conn Connection, msg *Message, ts time.Time)

// Registry maps msgids to handlers.
//
// Handlers are registered during setup. Seal makes the table read-only, after
// which Lookup may be called from any number of goroutines without locking.
// NewDispatcher seals the registry it is given.
type Registry struct {
	mu       sync.Mutex // serializes Register
	handlers map[int]HandlerFunc
	sealed   atomic.Bool
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[int]HandlerFunc)}
}

// Register binds handler to id.
func (r *Registry) Register(id int, handler HandlerFunc) error {
	if handler == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, ok := r.handlers[id]; ok {
		return &registerError{id: id}
	}
	r.handlers[id] = handler
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(id int, handler HandlerFunc) {
	if err := r.Register(id, handler); err != nil {
		panic(err)
	}
}

// Seal makes the registry read-only. It is safe to call more than once.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup returns the handler for id.
func (r *Registry) Lookup(id int) (HandlerFunc, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}

// IDs returns the registered msgids in ascending order.
func (r *Registry) IDs() []int {
	ids := make([]int, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type registerError struct {
	id int
}

func (e *registerError) Error() string {
	return fmt.Sprintf("%s %d", ErrDuplicateHandler, e.id)
}

func (e *registerError) Unwrap() error {
	return ErrDuplicateHandler
}
