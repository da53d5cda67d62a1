package lua

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// Call represents a Lua operation to be executed.
type Call struct {
	// Fn performs all Lua operations against the state.
	Fn func(L *lua.LState) error

	// Result receives the outcome and is closed afterwards.
	Result chan error
}

// Executor serializes all Lua operations through a single goroutine.
//
// gopher-lua's LState is not goroutine-safe, so every VM operation for a
// plugin is marshalled onto the executor's goroutine. A caller that stops
// waiting (timeout, cancelled context) abandons the result; the queued
// operation still runs to completion on the executor goroutine.
type Executor struct {
	state  *State
	queue  chan *Call
	closed atomic.Bool
	done   chan struct{}

	closeOnce sync.Once
}

// NewExecutor creates an Executor for the given state and starts its worker
// goroutine. The worker owns all access to the underlying LState until Close.
func NewExecutor(state *State, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 16
	}
	e := &Executor{
		state: state,
		queue: make(chan *Call, queueSize),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// run processes queued operations until Close. The Lua state is closed here,
// on the only goroutine that ever touches it.
func (e *Executor) run() {
	defer e.state.Close()
	for {
		select {
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case call, ok := <-e.queue:
			if !ok {
				return
			}
			err := e.executeCall(call)
			select {
			case call.Result <- err:
			default:
			}
			close(call.Result)
		}
	}
}

// executeCall runs a single Lua operation with panic recovery.
func (e *Executor) executeCall(call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = errors.New("lua panic")
			}
		}
	}()
	return call.Fn(e.state.L)
}

// drainQueue fails all remaining calls with the given error.
func (e *Executor) drainQueue(err error) {
	for {
		select {
		case call, ok := <-e.queue:
			if !ok {
				return
			}
			select {
			case call.Result <- err:
			default:
			}
			close(call.Result)
		default:
			return
		}
	}
}

// Execute runs a Lua operation synchronously on the executor goroutine.
// It returns early with ctx.Err() if the context is done first; the queued
// operation is not cancelled and will still run.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	call := &Call{
		Fn:     fn,
		Result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- call:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-call.Result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	case <-e.done:
		// Close raced the enqueue: the worker may have exited after its
		// drain pass without seeing this call. Take a result if one landed,
		// otherwise abandon rather than wait on a dead queue.
		select {
		case err, ok := <-call.Result:
			if !ok {
				return ErrExecutorClosed
			}
			return err
		default:
			return ErrExecutorClosed
		}
	}
}

// Close stops the executor. Pending operations fail with ErrExecutorClosed
// and the Lua state is closed by the worker goroutine once it drains. An
// operation abandoned mid-run keeps the state alive until it finishes.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
