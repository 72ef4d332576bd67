// Package eventbus is a synchronous in-process publish/subscribe bus.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Handler[T any] interface {
	Handle(ctx context.Context, event T) error
}

type HandlerFunc[T any] func(ctx context.Context, event T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, event T) error {
	return f(ctx, event)
}

// Bus delivers each event to every subscriber in subscription order, on the
// publishing goroutine.
type Bus[T any] struct {
	mu       sync.RWMutex
	handlers []Handler[T]
}

func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

func (b *Bus[T]) Subscribe(h Handler[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish runs all handlers even if some fail and joins their errors.
// A panicking handler is reported as an error.
func (b *Bus[T]) Publish(ctx context.Context, event T) error {
	b.mu.RLock()
	handlers := append([]Handler[T](nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := invoke(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke[T any](ctx context.Context, h Handler[T], event T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}
