package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

// ErrDispatcherClosed is returned by Enqueue after Wait has started draining.
var ErrDispatcherClosed = errors.New("notify: dispatcher closed")

type fanoutRunner interface {
	Dispatch(ctx context.Context, ev Event) Outcome
}

// Dispatcher runs fanout off the request path. Jobs inherit request values but not
// its cancellation, and Wait blocks until every accepted job has finished.
type Dispatcher struct {
	fanout fanoutRunner
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(fanout fanoutRunner, logger *logging.Logger) *Dispatcher {
	if fanout == nil {
		panic("notify: fanout required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{fanout: fanout, logger: logger}
}

// Enqueue starts ev in a tracked goroutine and returns immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("fanout panicked", "conversation_id", ev.ConversationID, "panic", r)
			}
		}()
		d.fanout.Dispatch(detached, ev)
	}()
	return nil
}

// Wait stops accepting jobs and blocks until in-flight jobs finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
