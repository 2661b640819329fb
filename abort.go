package chatcore

import (
	"sync"
)

// abortHandle is one session's cancellation flag plus an optional weak
// reference to the in-flight network call controller (an http.Request
// cancel func, or similar) that benefits from being woken eagerly instead
// of waiting for the next is_aborted poll.
type abortHandle struct {
	mu         sync.Mutex
	aborted    bool
	controller func()
}

// AbortRegistry is the process-wide session id → cancellation handle map.
// Every long-running producer (model streaming, tool execution, summarization)
// polls IsAborted at its natural suspension points and exits without emitting
// further events once it observes true.
type AbortRegistry struct {
	mu       sync.Mutex
	handles  map[string]*abortHandle
}

// NewAbortRegistry constructs an empty registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{handles: make(map[string]*abortHandle)}
}

// Reset installs a fresh handle for session, dropping any prior one. Call at
// the start of a turn so a stale abort from a previous turn can't leak in.
func (r *AbortRegistry) Reset(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[session] = &abortHandle{}
}

// IsAborted is a non-blocking read, safe to call from any goroutine.
func (r *AbortRegistry) IsAborted(session string) bool {
	r.mu.Lock()
	h, ok := r.handles[session]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// Abort flips the handle for session, returning whether it was already set.
// If a controller was registered via SetController, it is invoked to wake
// the in-flight call eagerly.
func (r *AbortRegistry) Abort(session string) bool {
	r.mu.Lock()
	h, ok := r.handles[session]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	already := h.aborted
	h.aborted = true
	controller := h.controller
	h.mu.Unlock()
	if controller != nil {
		controller()
	}
	return already
}

// SetController associates an in-flight network call's cancel function with
// session, so a later Abort wakes it immediately rather than waiting for the
// call's own natural poll of IsAborted. Overwrites any previously set
// controller for the same session.
func (r *AbortRegistry) SetController(session string, cancel func()) {
	r.mu.Lock()
	h, ok := r.handles[session]
	if !ok {
		h = &abortHandle{}
		r.handles[session] = h
	}
	r.mu.Unlock()
	h.mu.Lock()
	h.controller = cancel
	already := h.aborted
	h.mu.Unlock()
	if already && cancel != nil {
		cancel()
	}
}

// Forget removes session's handle. Call once a turn has reached a terminal
// state and emitted its `done` sentinel.
func (r *AbortRegistry) Forget(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, session)
}
