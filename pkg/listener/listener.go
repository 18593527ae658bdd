package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener pumps values from a channel into a handler on its own goroutine
// until the context is cancelled, Stop is called or the channel is closed.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	onError     func(error)

	in     <-chan T
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		onError: func(err error) {
			slog.Warn("channel listener error", "error", err)
		},
	}
}

// OnError replaces the default handler failure hook, which logs the error.
// A failed input never stops the listener.
func (l *Listener[T]) OnError(fn func(error)) *Listener[T] {
	l.onError = fn
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.onError(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	cancel()
	l.wg.Wait()
	l.stopHandler()
}
