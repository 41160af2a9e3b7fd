package notify

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

type slowFanout struct {
	delay     time.Duration
	calls     atomic.Int32
	cancelled atomic.Bool
	panics    bool
}

func (s *slowFanout) Dispatch(ctx context.Context, ev Event) Outcome {
	s.calls.Add(1)
	if s.panics {
		panic("boom")
	}
	time.Sleep(s.delay)
	if ctx.Err() != nil {
		s.cancelled.Store(true)
	}
	return Outcome{}
}

func TestDispatcherRunsDetachedFromRequest(t *testing.T) {
	fanout := &slowFanout{delay: 20 * time.Millisecond}
	d := NewDispatcher(fanout, logging.NewWithWriter("error", io.Discard))

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Enqueue(reqCtx, Event{ConversationID: uuid.New()}))
	cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, int32(1), fanout.calls.Load())
	assert.False(t, fanout.cancelled.Load(), "request cancellation must not reach fanout")
}

func TestDispatcherWaitTimesOut(t *testing.T) {
	d := NewDispatcher(&slowFanout{delay: 200 * time.Millisecond}, logging.NewWithWriter("error", io.Discard))
	require.NoError(t, d.Enqueue(context.Background(), Event{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}

func TestDispatcherRejectsAfterWait(t *testing.T) {
	d := NewDispatcher(&slowFanout{}, logging.NewWithWriter("error", io.Discard))
	require.NoError(t, d.Wait(context.Background()))
	assert.ErrorIs(t, d.Enqueue(context.Background(), Event{}), ErrDispatcherClosed)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	fanout := &slowFanout{panics: true}
	d := NewDispatcher(fanout, logging.NewWithWriter("error", io.Discard))
	require.NoError(t, d.Enqueue(context.Background(), Event{}))
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(1), fanout.calls.Load())
}
