package connection

import (
	"context"
	"sync"
)

// Future نتیجه‌ی یک عملیات که فقط یک بار مقدار می‌گیرد.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve returns false if the future was already resolved.
func (f *Future[T]) Resolve(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		ok = true
	})
	return ok
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result بدون انتظار؛ ok=false یعنی هنوز آماده نیست.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return v, nil, false
	}
}
