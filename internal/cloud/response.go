package cloud

import "sync"

// Response is a handle to an in-flight authority request.
//
// State machines poll it once per tick; Pending is a valid, side-effect
// free outcome, never an error. A handle resolves exactly once.
type Response[T any] struct {
	mu    sync.Mutex
	done  bool
	value T
	err   error
}

// Poll returns the current outcome without blocking.
//
// Returns:
//   - T: The value, valid only when resolved with nil error
//   - bool: True once the request has resolved
//   - error: The failure, wrapped around a fault sentinel
func (r *Response[T]) Poll() (T, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.done, r.err
}

// resolve records the outcome. Later calls are ignored.
func (r *Response[T]) resolve(value T, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.value = value
	r.err = err
}

// resolved creates an already-resolved handle, for error short-circuits.
func resolved[T any](value T, err error) *Response[T] {
	r := &Response[T]{}
	r.resolve(value, err)
	return r
}
