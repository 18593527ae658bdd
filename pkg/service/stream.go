package service

import (
	"context"
	"sync"

	"treemapdb/pkg/dberrors"
)

// StreamHandler receives the elements of a streaming response: zero or more
// Next calls followed by exactly one Complete or Error.
type StreamHandler[T any] interface {
	Next(value T)
	Complete()
	Error(err error)
}

// HandlerFuncs adapts plain functions to a StreamHandler. Nil fields are no-ops.
type HandlerFuncs[T any] struct {
	OnNext     func(T)
	OnComplete func()
	OnError    func(error)
}

func (h HandlerFuncs[T]) Next(value T) {
	if h.OnNext != nil {
		h.OnNext(value)
	}
}

func (h HandlerFuncs[T]) Complete() {
	if h.OnComplete != nil {
		h.OnComplete()
	}
}

func (h HandlerFuncs[T]) Error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// GuardedHandler enforces the handler contract on top of any handler: values
// after the terminal signal are dropped and only the first terminal signal is
// forwarded.
type GuardedHandler[T any] struct {
	mu         sync.Mutex
	handler    StreamHandler[T]
	terminated bool
}

func Guard[T any](h StreamHandler[T]) *GuardedHandler[T] {
	if g, ok := h.(*GuardedHandler[T]); ok {
		return g
	}
	return &GuardedHandler[T]{handler: h}
}

func (g *GuardedHandler[T]) Next(value T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated {
		return
	}
	g.handler.Next(value)
}

func (g *GuardedHandler[T]) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated {
		return
	}
	g.terminated = true
	g.handler.Complete()
}

func (g *GuardedHandler[T]) Error(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated {
		return
	}
	g.terminated = true
	g.handler.Error(err)
}

func (g *GuardedHandler[T]) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}

// EncodingStreamHandler encodes typed elements before passing them to a byte
// handler. An element that fails to encode terminates the stream with an
// ApplicationError.
type EncodingStreamHandler[T any] struct {
	operation string
	handler   *GuardedHandler[[]byte]
	encode    func(T) ([]byte, error)
}

func NewEncodingStreamHandler[T any](operation string, h StreamHandler[[]byte], encode func(T) ([]byte, error)) *EncodingStreamHandler[T] {
	return &EncodingStreamHandler[T]{operation: operation, handler: Guard(h), encode: encode}
}

func (e *EncodingStreamHandler[T]) Next(value T) {
	data, err := e.encode(value)
	if err != nil {
		e.handler.Error(dberrors.NewApplicationError(e.operation, err))
		return
	}
	e.handler.Next(data)
}

func (e *EncodingStreamHandler[T]) Complete() { e.handler.Complete() }

func (e *EncodingStreamHandler[T]) Error(err error) { e.handler.Error(err) }

// DecodingStreamHandler is the client-side mirror of EncodingStreamHandler.
type DecodingStreamHandler[T any] struct {
	operation string
	handler   *GuardedHandler[T]
	decode    func([]byte) (T, error)
}

func NewDecodingStreamHandler[T any](operation string, h StreamHandler[T], decode func([]byte) (T, error)) *DecodingStreamHandler[T] {
	return &DecodingStreamHandler[T]{operation: operation, handler: Guard(h), decode: decode}
}

func (d *DecodingStreamHandler[T]) Next(data []byte) {
	value, err := d.decode(data)
	if err != nil {
		d.handler.Error(dberrors.NewApplicationError(d.operation, err))
		return
	}
	d.handler.Next(value)
}

func (d *DecodingStreamHandler[T]) Complete() { d.handler.Complete() }

func (d *DecodingStreamHandler[T]) Error(err error) { d.handler.Error(err) }

// Collector buffers a whole stream and lets a caller wait for its end.
type Collector[T any] struct {
	mu     sync.Mutex
	values []T
	err    error
	done   chan struct{}
	once   sync.Once
}

func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{done: make(chan struct{})}
}

func (c *Collector[T]) Next(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, value)
}

func (c *Collector[T]) Complete() {
	c.once.Do(func() { close(c.done) })
}

func (c *Collector[T]) Error(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Wait blocks until the stream terminates and returns everything received.
func (c *Collector[T]) Wait(ctx context.Context) ([]T, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.values...), c.err
}

type discardHandler[T any] struct{}

func (discardHandler[T]) Next(T)      {}
func (discardHandler[T]) Complete()   {}
func (discardHandler[T]) Error(error) {}
