package wormhole

import "context"

// result is a one-shot value-or-error handle: the Go equivalent of the
// distilled spec's "deferred result", made explicit instead of routing
// through a coroutine framework. It can be fulfilled exactly once, from the
// session's loop goroutine, and is waited on by a single caller goroutine
// (each public API call owns its own result): the value is delivered to one
// receiver only.
type result[T any] struct {
	ch   chan item[T]
	done bool // loop-goroutine-only: true once resolve/reject has been called
}

type item[T any] struct {
	val T
	err error
}

func newResult[T any]() *result[T] {
	return &result[T]{ch: make(chan item[T], 1)}
}

// resolve fulfils the result with a value. Called from the loop goroutine
// only; a no-op if already fulfilled.
func (r *result[T]) resolve(v T) {
	if r.done {
		return
	}
	r.done = true
	r.ch <- item[T]{val: v}
}

// reject fulfils the result with an error. Called from the loop goroutine
// only; a no-op if already fulfilled.
func (r *result[T]) reject(err error) {
	if r.done {
		return
	}
	r.done = true
	r.ch <- item[T]{err: err}
}

// wait blocks the calling goroutine until the result is fulfilled or ctx is
// done, whichever comes first.
func (r *result[T]) wait(ctx context.Context) (T, error) {
	select {
	case it := <-r.ch:
		return it.val, it.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
