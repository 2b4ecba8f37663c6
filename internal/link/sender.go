package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/waitq"
	"github.com/rs/zerolog/log"
)

// SenderFlow tracks credit and congestion for the sending end of a link.
//
// unsent counts messages admitted by Reserve but not yet transmitted.
// unsettled counts transmitted messages awaiting settlement. Each gate
// engages at its max and releases once the count falls to its resume mark.
type SenderFlow struct {
	cfg  SenderConfig
	name string

	mu            sync.Mutex
	sig           *waitq.Signal
	deliveryCount uint32
	credit        uint32
	drain         bool
	starved       bool

	unsent           int
	unsettled        int
	unsentBlocked    bool
	unsettledBlocked bool

	done chan struct{}
	err  error
}

func NewSenderFlow(name string, cfg SenderConfig) *SenderFlow {
	return &SenderFlow{
		cfg:  cfg.WithDefaults(),
		name: name,
		sig:  waitq.New(),
		done: make(chan struct{}),
	}
}

func (f *SenderFlow) Config() SenderConfig { return f.cfg }

// Reserve admits one message into the unsent queue. While a congestion gate
// is engaged it blocks up to MaxWait and then fails with a CongestionError.
func (f *SenderFlow) Reserve(ctx context.Context) error {
	start := time.Now()
	deadline := waitq.NewDeadline(f.cfg.MaxWait)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		if f.err != nil {
			err := f.err
			f.mu.Unlock()
			return err
		}
		gate, limit := f.congestedLocked()
		if gate == "" {
			f.unsent++
			f.updateGatesLocked()
			f.mu.Unlock()
			return nil
		}
		wake := f.sig.Wait()
		f.mu.Unlock()

		if err := deadline.Block(ctx, wake, f.done, f.Err); err != nil {
			if errors.Is(err, waitq.ErrTimeout) {
				observability.RecordCongestion(string(gate))
				log.Warn().Msgf("link.Reserve name=%s threshold=%s limit=%d congested", f.name, gate, limit)
				return &CongestionError{Threshold: gate, Limit: limit, Waited: time.Since(start)}
			}
			return err
		}
	}
}

func (f *SenderFlow) congestedLocked() (Threshold, int) {
	if f.unsentBlocked {
		return ThresholdUnsent, f.cfg.MaxUnsent
	}
	if f.unsettledBlocked {
		return ThresholdUnsettled, f.cfg.MaxUnsettled
	}
	return "", 0
}

// updateGatesLocked applies the hysteresis and wakes waiters on release.
func (f *SenderFlow) updateGatesLocked() {
	released := false
	if f.unsent >= f.cfg.MaxUnsent {
		f.unsentBlocked = true
	} else if f.unsentBlocked && f.unsent <= f.cfg.UnsentResume {
		f.unsentBlocked = false
		released = true
	}
	if f.unsettled >= f.cfg.MaxUnsettled {
		f.unsettledBlocked = true
	} else if f.unsettledBlocked && f.unsettled <= f.cfg.UnsettledResume {
		f.unsettledBlocked = false
		released = true
	}
	if released {
		f.sig.Broadcast()
	}
}

// MarkSent moves one reserved message out of the unsent queue. unsettled
// reports whether the transfer left unsettled.
func (f *SenderFlow) MarkSent(unsettled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsent <= 0 {
		panic("link: MarkSent without a reserved message")
	}
	f.unsent--
	if unsettled {
		f.unsettled++
	}
	f.updateGatesLocked()
}

// Release drops one reserved message that will never be transmitted.
func (f *SenderFlow) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsent > 0 {
		f.unsent--
		f.updateGatesLocked()
	}
}

// MarkSettled removes n deliveries from the unsettled count.
func (f *SenderFlow) MarkSettled(n int) {
	if n <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.unsettled {
		panic("link: settled more deliveries than are outstanding")
	}
	f.unsettled -= n
	f.updateGatesLocked()
}

// AwaitCredit blocks until one unit of credit is available and consumes it.
// When the link first runs out of credit, starved is called with the state
// to advertise so the peer learns about queued messages. Each wait is
// bounded by CreditWait.
func (f *SenderFlow) AwaitCredit(ctx context.Context, starved func(FlowState)) error {
	deadline := waitq.NewDeadline(f.cfg.CreditWait)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		if f.err != nil {
			err := f.err
			f.mu.Unlock()
			return err
		}
		if f.credit > 0 {
			f.credit--
			f.deliveryCount++
			f.mu.Unlock()
			return nil
		}
		var notify *FlowState
		if !f.starved {
			f.starved = true
			st := f.stateLocked()
			notify = &st
		}
		wake := f.sig.Wait()
		f.mu.Unlock()

		if notify != nil && starved != nil {
			starved(*notify)
		}
		if err := deadline.Block(ctx, wake, f.done, f.Err); err != nil {
			if errors.Is(err, waitq.ErrTimeout) {
				return ErrCreditTimeout
			}
			return err
		}
	}
}

// HandleFlow applies a flow from the receiving peer. It returns a state to
// send back when the peer asked for an echo or a drain completed.
func (f *SenderFlow) HandleFlow(remote FlowState) (FlowState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	credit := remote.DeliveryCount + remote.LinkCredit - f.deliveryCount
	if credit > remote.LinkCredit {
		// the peer has not yet seen transfers that consumed its whole grant
		credit = 0
	}
	f.credit = credit
	f.drain = remote.Drain
	if credit > 0 {
		f.starved = false
	}
	reply := remote.Echo
	if f.drainLocked() {
		reply = true
	}
	f.sig.Broadcast()
	if reply {
		return f.stateLocked(), true
	}
	return FlowState{}, false
}

// DrainIfIdle completes a pending drain once nothing is queued.
func (f *SenderFlow) DrainIfIdle() (FlowState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drainLocked() {
		return f.stateLocked(), true
	}
	return FlowState{}, false
}

func (f *SenderFlow) drainLocked() bool {
	if !f.drain || f.unsent > 0 || f.credit == 0 {
		return false
	}
	f.deliveryCount += f.credit
	f.credit = 0
	f.drain = false
	return true
}

func (f *SenderFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *SenderFlow) stateLocked() FlowState {
	return FlowState{
		DeliveryCount: f.deliveryCount,
		LinkCredit:    f.credit,
		Available:     uint32(f.unsent),
		Drain:         f.drain,
	}
}

// SetDeliveryCount seeds the count from the attach handshake.
func (f *SenderFlow) SetDeliveryCount(n uint32) {
	f.mu.Lock()
	f.deliveryCount = n
	f.mu.Unlock()
}

func (f *SenderFlow) Credit() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credit
}

func (f *SenderFlow) Unsent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsent
}

func (f *SenderFlow) Unsettled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsettled
}

// Close fails all current and future waits with err.
func (f *SenderFlow) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return
	}
	f.err = Detached(err)
	close(f.done)
	f.sig.Broadcast()
}

func (f *SenderFlow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
