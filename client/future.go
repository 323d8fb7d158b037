package client

import (
	"context"
	"sync"
	"time"

	"labrpc/protocol"
)

// Future is the awaitable side of an in-flight call. It resolves at most
// once — on response, timeout or engine close — whichever comes first.
type Future struct {
	id   protocol.MsgID
	done chan struct{}

	mu       sync.Mutex
	resolved bool
	val      any
	err      error
	timer    *time.Timer
}

func newFuture(id protocol.MsgID) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// resolve settles the future. The deadline timer, if any, is stopped so a
// pending entry never keeps more than one live timer.
func (f *Future) resolve(val any, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	f.resolved = true
	f.val = val
	f.err = err
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	close(f.done)
	return true
}

func (f *Future) setTimer(t *time.Timer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		t.Stop()
		return
	}
	f.timer = t
}

// ID returns the correlation id of the call, zero for address-keyed
// exchanges (connect, ping).
func (f *Future) ID() protocol.MsgID {
	return f.id
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until resolution or context cancellation.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
