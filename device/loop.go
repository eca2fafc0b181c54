package device

import (
	"time"
)

// Loop is the serialized event loop a device lives on. Every mutation
// of device state happens inside a function posted here; I/O
// completions, timer expiries, agent replies and external commands all
// enqueue onto it. One loop can carry many devices of one adapter.
type Loop struct {
	funcs chan func()
	quit  chan struct{}
	done  chan struct{}
}

// NewLoop starts a loop.
func NewLoop() *Loop {
	l := &Loop{
		funcs: make(chan func(), 128),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case f := <-l.funcs:
			f()
		case <-l.quit:
			// drain whatever is already queued so completions that
			// raced with Close still run
			for {
				select {
				case f := <-l.funcs:
					f()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues f. Safe from any goroutine; never blocks after Close.
func (l *Loop) Post(f func()) {
	select {
	case l.funcs <- f:
	case <-l.quit:
	}
}

// Sync runs f on the loop and waits for it. Must not be called from
// the loop itself.
func (l *Loop) Sync(f func()) {
	ch := make(chan struct{})
	l.Post(func() {
		f()
		close(ch)
	})
	select {
	case <-ch:
	case <-l.done:
	}
}

// Close stops the loop after draining queued work.
func (l *Loop) Close() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	<-l.done
}

// Timer is a loop-affine timer: the callback runs on the loop, and
// Cancel is only legal from the loop, which removes every stop/fire
// race.
type Timer struct {
	loop     *Loop
	t        *time.Timer
	canceled bool
}

// AfterFunc schedules f on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	tm := &Timer{loop: l}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.canceled {
				return
			}
			f()
		})
	})
	return tm
}

// Cancel stops the timer. Call on the loop only. Idempotent.
func (t *Timer) Cancel() {
	if t == nil || t.canceled {
		return
	}
	t.canceled = true
	t.t.Stop()
}
