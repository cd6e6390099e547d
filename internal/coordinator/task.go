package coordinator

import (
	"context"
	"sync"
)

// task is a restartable background job. At most one instance runs at a
// time: start cancels and awaits the previous one first. A task body must
// never stop its own task.
type task struct {
	startMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) start(parent context.Context, fn func(ctx context.Context)) {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	t.stop()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel, t.done = cancel, done
	t.mu.Unlock()

	go func() {
		defer close(done)
		fn(ctx)
	}()
}

// stop cancels the running instance and returns once it has exited.
func (t *task) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *task) running() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
