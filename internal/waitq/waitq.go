// Package waitq provides a broadcast wake-up used for deadline-bounded waits
// on state guarded by a caller-owned mutex.
package waitq

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("waitq: timed out")

// Signal wakes every waiter each time Broadcast is called. The zero value is
// not usable; call New. Callers hold their own lock around Wait/Broadcast.
type Signal struct {
	ch chan struct{}
}

func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Wait returns a channel closed by the next Broadcast.
func (s *Signal) Wait() <-chan struct{} { return s.ch }

// Broadcast wakes all current waiters.
func (s *Signal) Broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// Deadline is a single wait budget shared across repeated wake-ups.
type Deadline struct {
	timer *time.Timer
	C     <-chan time.Time
}

// NewDeadline starts a budget of d. A non-positive d never fires.
func NewDeadline(d time.Duration) *Deadline {
	if d <= 0 {
		return &Deadline{}
	}
	t := time.NewTimer(d)
	return &Deadline{timer: t, C: t.C}
}

func (d *Deadline) Stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Block waits for wake, done, ctx or the deadline, whichever comes first.
// It returns nil on wake, doneErr when done closes, ctx.Err() or ErrTimeout.
func (d *Deadline) Block(ctx context.Context, wake <-chan struct{}, done <-chan struct{}, doneErr func() error) error {
	select {
	case <-wake:
		return nil
	case <-done:
		return doneErr()
	case <-ctx.Done():
		return ctx.Err()
	case <-d.C:
		return ErrTimeout
	}
}
