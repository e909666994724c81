package castsession

import "time"

// Poller runs one bounded predicate poll at a time on the loop.
type Poller struct {
	loop *Loop
	cur  *pollRun
}

type pollRun struct {
	pred     func() bool
	interval time.Duration
	max      int // delayed checks after the first
	used     int
	done     func(error)
	timer    *Timer
	finished bool
}

// NewPoller returns a poller bound to loop.
func NewPoller(loop *Loop) *Poller {
	return &Poller{loop: loop}
}

// PollUntil checks pred right away and then up to maxAttempts more times,
// one interval apart, so 20 attempts at 500ms cover 10s. done gets nil,
// ErrTimeout, or ErrCanceled when a later PollUntil or Cancel supersedes
// this poll. Safe from any goroutine.
func (p *Poller) PollUntil(pred func() bool, interval time.Duration, maxAttempts int, done func(error)) {
	p.loop.Post(func() { p.pollUntil(pred, interval, maxAttempts, done) })
}

// Cancel stops the current poll. Safe from any goroutine.
func (p *Poller) Cancel() {
	p.loop.Post(p.cancel)
}

func (p *Poller) pollUntil(pred func() bool, interval time.Duration, maxAttempts int, done func(error)) {
	p.cancel()
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	run := &pollRun{pred: pred, interval: interval, max: maxAttempts, done: done}
	p.cur = run
	p.check(run)
}

func (p *Poller) cancel() {
	if p.cur != nil {
		p.finish(p.cur, ErrCanceled)
	}
}

func (p *Poller) check(run *pollRun) {
	if run.finished {
		return
	}
	if run.pred() {
		p.finish(run, nil)
		return
	}
	if run.used >= run.max {
		p.finish(run, ErrTimeout)
		return
	}
	run.used++
	run.timer = p.loop.AfterFunc(run.interval, func() { p.check(run) })
}

func (p *Poller) finish(run *pollRun, err error) {
	run.finished = true
	run.timer.Stop()
	if p.cur == run {
		p.cur = nil
	}
	if run.done != nil {
		run.done(err)
	}
}
