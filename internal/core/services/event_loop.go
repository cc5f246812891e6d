package services

import (
	"context"
	"fmt"
	"sync"

	"voicemesh/internal/core/domain"

	"go.uber.org/zap"
)

// EventLoop runs posted tasks one at a time on a single goroutine. All
// voice session state is confined to it.
type EventLoop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// afterTick is only touched from the loop goroutine.
	afterTick []func()
}

func NewEventLoop(logger *zap.Logger) *EventLoop {
	return &EventLoop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (l *EventLoop) Start() {
	go l.run()
}

// Stop discards queued tasks and ends the loop. Pending Do calls return
// domain.ErrLoopStopped.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

// Done is closed once Stop has been called.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn without blocking. It returns false once the loop has
// stopped.
func (l *EventLoop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits until it and the after-tick hooks it
// scheduled have finished. It must not be called from inside a loop task.
func (l *EventLoop) Do(ctx context.Context, fn func() error) error {
	var err error
	if !l.Post(func() { err = fn() }) {
		return domain.ErrLoopStopped
	}
	result := make(chan error, 1)
	if !l.Post(func() { result <- err }) {
		return domain.ErrLoopStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return domain.ErrLoopStopped
	}
}

// AfterTick schedules fn to run after the current task and before the next
// queued one. Only valid from inside a loop task.
func (l *EventLoop) AfterTick(fn func()) {
	l.afterTick = append(l.afterTick, fn)
}

func (l *EventLoop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.exec(task)
			for len(l.afterTick) > 0 {
				hooks := l.afterTick
				l.afterTick = nil
				for _, hook := range hooks {
					l.exec(hook)
				}
			}
		}
	}
}

func (l *EventLoop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *EventLoop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
		}
	}()
	task()
}
