package relay

import "context"

// Task supervises one background unit of work. Long-running relay work
// (session creation, preview persistence) runs under a Task so teardown can
// await it with a deadline instead of firing and forgetting.
type Task struct {
	done chan struct{}
	err  error
}

// Go starts fn on its own goroutine and returns its supervising handle.
func Go(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = fn()
	}()
	return t
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx expires. The task itself keeps
// running after a timed-out Wait; only the caller gives up on it.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
