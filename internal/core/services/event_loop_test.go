package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLoop(t *testing.T) *EventLoop {
	loop := NewEventLoop(zaptest.NewLogger(t))
	loop.Start()
	t.Cleanup(loop.Stop)
	return loop
}

func TestEventLoop_RunsTasksInOrder(t *testing.T) {
	loop := newTestLoop(t)

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() { order = append(order, i) }))
	}
	require.NoError(t, loop.Do(context.Background(), func() error { return nil }))

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestEventLoop_AfterTickRunsBeforeNextTask(t *testing.T) {
	loop := newTestLoop(t)

	var order []string
	err := loop.Do(context.Background(), func() error {
		loop.AfterTick(func() { order = append(order, "hook-1") })
		loop.AfterTick(func() {
			order = append(order, "hook-2")
			loop.AfterTick(func() { order = append(order, "nested") })
		})
		loop.Post(func() { order = append(order, "next-task") })
		order = append(order, "task")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, loop.Do(context.Background(), func() error { return nil }))

	assert.Equal(t, []string{"task", "hook-1", "hook-2", "nested", "next-task"}, order)
}

func TestEventLoop_DoReturnsTaskError(t *testing.T) {
	loop := newTestLoop(t)

	err := loop.Do(context.Background(), func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
}

func TestEventLoop_DoHonoursContext(t *testing.T) {
	loop := newTestLoop(t)

	block := make(chan struct{})
	loop.Post(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loop.Do(ctx, func() error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEventLoop_StoppedLoopRejectsWork(t *testing.T) {
	loop := NewEventLoop(zaptest.NewLogger(t))
	loop.Start()
	loop.Stop()
	loop.Stop()

	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Do(context.Background(), func() error { return nil }), domain.ErrLoopStopped)
}

func TestEventLoop_RecoversFromPanics(t *testing.T) {
	loop := newTestLoop(t)

	loop.Post(func() { panic("kaboom") })
	ran := false
	require.NoError(t, loop.Do(context.Background(), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
