// Package service is the server-side operation executor: operations are
// registered once under a unique name and later invoked either with encoded
// bytes (from a transport) or with typed values (in-process).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/future"
)

type shape uint8

const (
	shapeUnary shape = iota + 1
	shapeAsync
	shapeStream
)

func (s shape) String() string {
	switch s {
	case shapeUnary:
		return "unary"
	case shapeAsync:
		return "async"
	case shapeStream:
		return "stream"
	default:
		return "unknown"
	}
}

// executor is the type-erased form of one registered operation. Exactly one
// of unary, async and push is set, matching shape.
type executor struct {
	id     OperationID
	shape  shape
	stream StreamType

	unary func(req any) (any, error)
	async func(req any) *future.Future[any]
	push  func(ctx context.Context, req any, h StreamHandler[any]) error

	decode func([]byte) (any, error)
	encode func(any) ([]byte, error)
}

// Registry maps operation names to executors. Registration and execution are
// safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	// сериализует регистрацию; чтение идёт без блокировки
	registerMu sync.Mutex
	operations *skipmap.FuncMap[string, *executor]
	// stream type name -> element encoder
	streams *skipmap.FuncMap[string, any]
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	less := func(a, b string) bool { return strings.Compare(a, b) < 0 }
	return &Registry{
		logger:     logger,
		operations: skipmap.NewFunc[string, *executor](less),
		streams:    skipmap.NewFunc[string, any](less),
	}
}

// RegisterCommand registers an operation without a response.
func RegisterCommand[T any](r *Registry, op Operation[T, Empty], fn func(T) error) error {
	return RegisterUnary(r, op, func(req T) (Empty, error) {
		return Empty{}, fn(req)
	})
}

// RegisterUnary registers an operation answered by exactly one value.
func RegisterUnary[T, R any](r *Registry, op Operation[T, R], fn func(T) (R, error)) error {
	ex := newExecutor(op, shapeUnary, StreamType{})
	ex.unary = func(req any) (any, error) {
		typed, _ := req.(T)
		return fn(typed)
	}
	return r.register(ex, nil)
}

// RegisterAsync registers an operation answered by a future. When stream is
// set, the response codec is also registered as that stream's element encoder.
func RegisterAsync[T, R any](r *Registry, op Operation[T, R], stream StreamType, fn func(T) *future.Future[R]) error {
	ex := newExecutor(op, shapeAsync, stream)
	ex.async = func(req any) *future.Future[any] {
		typed, _ := req.(T)
		f := fn(typed)
		if f == nil {
			return future.Failed[any](fmt.Errorf("%s returned no future", op.ID.Name))
		}
		return future.Then(f, func(v R) (any, error) { return v, nil })
	}
	return r.register(ex, op.Response)
}

// RegisterStream registers an operation that pushes any number of values to
// a handler. ctx is the lifetime of the stream: it is cancelled when the
// consumer goes away.
func RegisterStream[T, R any](r *Registry, op Operation[T, R], stream StreamType, fn func(context.Context, T, StreamHandler[R]) error) error {
	ex := newExecutor(op, shapeStream, stream)
	ex.push = func(ctx context.Context, req any, h StreamHandler[any]) error {
		typed, _ := req.(T)
		return fn(ctx, typed, erasedHandler[R]{h})
	}
	return r.register(ex, op.Response)
}

func newExecutor[T, R any](op Operation[T, R], s shape, stream StreamType) *executor {
	return &executor{
		id:     op.ID,
		shape:  s,
		stream: stream,
		decode: func(data []byte) (any, error) {
			return op.Request.Decode(data)
		},
		encode: func(v any) ([]byte, error) {
			typed, _ := v.(R)
			return op.Response.Encode(typed)
		},
	}
}

func (r *Registry) register(ex *executor, elementEncoder any) error {
	if ex.id.Name == "" {
		return fmt.Errorf("register: empty operation name: %w", dberrors.ErrInvalidArgument)
	}
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	// a rejected registration must leave no trace
	if _, exists := r.operations.Load(ex.id.Name); exists {
		return fmt.Errorf("register %s: %w", ex.id.Name, dberrors.ErrOperationExists)
	}
	if !ex.stream.IsZero() {
		actual, loaded := r.streams.LoadOrStore(ex.stream.Name, elementEncoder)
		if loaded && !sameEncoder(actual, elementEncoder) {
			return fmt.Errorf("register %s: stream type %s: %w", ex.id.Name, ex.stream.Name, dberrors.ErrStreamTypeConflict)
		}
	}
	r.operations.Store(ex.id.Name, ex)
	r.logger.Debug("operation registered", "operation", ex.id.Name, "type", ex.id.Type.String(), "shape", ex.shape.String())
	return nil
}

// Operations lists the registered operations sorted by name.
func (r *Registry) Operations() []OperationID {
	ids := make([]OperationID, 0, r.operations.Len())
	r.operations.Range(func(_ string, ex *executor) bool {
		ids = append(ids, ex.id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i].Name < ids[j].Name })
	return ids
}

// Lookup resolves a name to its full OperationID.
func (r *Registry) Lookup(name string) (OperationID, bool) {
	ex, ok := r.operations.Load(name)
	if !ok {
		return OperationID{}, false
	}
	return ex.id, true
}

// StreamTypeOf returns the stream type declared by an operation, if any.
func (r *Registry) StreamTypeOf(id OperationID) (StreamType, bool) {
	ex, ok := r.operations.Load(id.Name)
	if !ok || ex.stream.IsZero() {
		return StreamType{}, false
	}
	return ex.stream, true
}

func (r *Registry) lookup(id OperationID) (*executor, error) {
	ex, ok := r.operations.Load(id.Name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id.Name, dberrors.ErrUnknownOperation)
	}
	return ex, nil
}

// Execute runs an operation on an encoded request and returns the encoded
// response. Async operations are awaited. Stream operations run to the end
// with their elements discarded and produce no response bytes.
func (r *Registry) Execute(ctx context.Context, id OperationID, request []byte) ([]byte, error) {
	ex, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	req, err := ex.decode(request)
	if err != nil {
		return nil, r.fail(ex, err)
	}
	resp, err := r.run(ctx, ex, req)
	if err != nil {
		return nil, err
	}
	if ex.shape == shapeStream {
		return nil, nil
	}
	out, err := ex.encode(resp)
	if err != nil {
		return nil, r.fail(ex, err)
	}
	return out, nil
}

// ExecuteStream runs an operation on an encoded request and delivers encoded
// response elements to h. Unary results arrive as one element followed by
// Complete. A synchronous failure is both signalled to h and returned.
func (r *Registry) ExecuteStream(ctx context.Context, id OperationID, request []byte, h StreamHandler[[]byte]) error {
	guarded := Guard(h)
	ex, err := r.lookup(id)
	if err != nil {
		guarded.Error(err)
		return err
	}
	req, err := ex.decode(request)
	if err != nil {
		err = r.fail(ex, err)
		guarded.Error(err)
		return err
	}
	return r.dispatch(ctx, ex, req, NewEncodingStreamHandler[any](id.Name, guarded, ex.encode))
}

// Apply runs an operation in-process without encoding.
func Apply[T, R any](ctx context.Context, r *Registry, op Operation[T, R], req T) (R, error) {
	var zero R
	ex, err := r.lookup(op.ID)
	if err != nil {
		return zero, err
	}
	resp, err := r.run(ctx, ex, req)
	if err != nil {
		return zero, err
	}
	typed, _ := resp.(R)
	return typed, nil
}

// Stream runs an operation in-process and delivers typed elements to h.
func Stream[T, R any](ctx context.Context, r *Registry, op Operation[T, R], req T, h StreamHandler[R]) error {
	guarded := Guard(h)
	ex, err := r.lookup(op.ID)
	if err != nil {
		guarded.Error(err)
		return err
	}
	return r.dispatch(ctx, ex, req, typedHandler[R]{guarded})
}

func (r *Registry) run(ctx context.Context, ex *executor, req any) (any, error) {
	switch ex.shape {
	case shapeUnary:
		return r.callUnary(ex, req)
	case shapeAsync:
		f, err := r.callAsync(ex, req)
		if err != nil {
			return nil, err
		}
		v, err := f.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, r.fail(ex, err)
		}
		return v, nil
	case shapeStream:
		return nil, r.callPush(ctx, ex, req, discardHandler[any]{})
	default:
		return nil, fmt.Errorf("%s: unsupported shape %d", ex.id.Name, ex.shape)
	}
}

func (r *Registry) dispatch(ctx context.Context, ex *executor, req any, h StreamHandler[any]) error {
	guarded := Guard(h)
	switch ex.shape {
	case shapeUnary:
		resp, err := r.callUnary(ex, req)
		if err != nil {
			guarded.Error(err)
			return err
		}
		guarded.Next(resp)
		guarded.Complete()
		return nil
	case shapeAsync:
		f, err := r.callAsync(ex, req)
		if err != nil {
			guarded.Error(err)
			return err
		}
		f.WhenComplete(func(v any, err error) {
			if err != nil {
				guarded.Error(r.fail(ex, err))
				return
			}
			guarded.Next(v)
			guarded.Complete()
		})
		return nil
	case shapeStream:
		if err := r.callPush(ctx, ex, req, guarded); err != nil {
			guarded.Error(err)
			return err
		}
		return nil
	default:
		err := fmt.Errorf("%s: unsupported shape %d", ex.id.Name, ex.shape)
		guarded.Error(err)
		return err
	}
}

func (r *Registry) callUnary(ex *executor, req any) (resp any, err error) {
	defer r.recoverInto(ex, &err)
	resp, err = ex.unary(req)
	if err != nil {
		return nil, r.fail(ex, err)
	}
	return resp, nil
}

func (r *Registry) callAsync(ex *executor, req any) (f *future.Future[any], err error) {
	defer r.recoverInto(ex, &err)
	return ex.async(req), nil
}

func (r *Registry) callPush(ctx context.Context, ex *executor, req any, h StreamHandler[any]) (err error) {
	defer r.recoverInto(ex, &err)
	if err = ex.push(ctx, req, h); err != nil {
		return r.fail(ex, err)
	}
	return nil
}

func (r *Registry) recoverInto(ex *executor, err *error) {
	if p := recover(); p != nil {
		*err = r.fail(ex, fmt.Errorf("panic: %v", p))
	}
}

// fail logs a callback failure and converts it to an ApplicationError.
func (r *Registry) fail(ex *executor, err error) error {
	r.logger.Warn("state machine operation failed", "operation", ex.id.Name, "error", err)
	return dberrors.NewApplicationError(ex.id.Name, err)
}

type erasedHandler[R any] struct {
	h StreamHandler[any]
}

func (e erasedHandler[R]) Next(value R)    { e.h.Next(value) }
func (e erasedHandler[R]) Complete()       { e.h.Complete() }
func (e erasedHandler[R]) Error(err error) { e.h.Error(err) }

type typedHandler[R any] struct {
	h StreamHandler[R]
}

func (t typedHandler[R]) Next(value any) {
	typed, _ := value.(R)
	t.h.Next(typed)
}
func (t typedHandler[R]) Complete()       { t.h.Complete() }
func (t typedHandler[R]) Error(err error) { t.h.Error(err) }
