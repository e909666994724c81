package castsession

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Clock schedules the loop's timers. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) ClockTimer
}

// ClockTimer is the handle returned by Clock.AfterFunc.
type ClockTimer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) ClockTimer {
	return time.AfterFunc(d, f)
}

// Loop is the single coordination goroutine. Closures posted to it run one
// at a time in FIFO order.
type Loop struct {
	clock Clock
	log   zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop starts a loop goroutine. Close stops it.
func NewLoop(clock Clock, log zerolog.Logger) *Loop {
	if clock == nil {
		clock = realClock{}
	}
	l := &Loop{
		clock: clock,
		log:   log,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn and never blocks. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
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

// Close runs whatever is already queued, then stops the loop and waits for
// it to exit. Posts made after Close are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		<-l.wake
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("Method", "Loop").Interface("Panic", r).Msg("posted closure panicked")
		}
	}()
	fn()
}

// Timer is a loop timer. It fires by posting onto the loop and does nothing
// once stopped. Stop must be called on the loop.
type Timer struct {
	t       ClockTimer
	stopped bool
}

// AfterFunc runs fn on the loop after d unless the timer is stopped first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.t = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Stop is safe on a nil or already fired timer.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.t.Stop()
}
