package transport

import (
	"context"
	"sync"
)

// Future is a pending request awaiting its response.
type Future struct {
	done chan struct{}
	once sync.Once
	resp Response
	err  error
}

// NewFuture constructs an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future with resp. Later completions are ignored.
func (f *Future) Resolve(resp Response) {
	f.once.Do(func() {
		f.resp = resp
		close(f.done)
	})
}

// Fail completes the future with err. Later completions are ignored.
func (f *Future) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
