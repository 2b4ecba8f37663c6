package link

import (
	"sync"

	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/rs/zerolog/log"
)

// ReceiverFlow issues credit for the receiving end of a link according to
// its CreditPolicy.
type ReceiverFlow struct {
	cfg  ReceiverConfig
	name string

	mu            sync.Mutex
	deliveryCount uint32
	credit        uint32
	available     uint32
}

func NewReceiverFlow(name string, cfg ReceiverConfig) *ReceiverFlow {
	return &ReceiverFlow{cfg: cfg.WithDefaults(), name: name}
}

func (f *ReceiverFlow) Policy() CreditPolicy { return f.cfg.Policy }

// Initial returns the credit to grant right after attach. Only the
// steady-state policy grants up front.
func (f *ReceiverFlow) Initial() (FlowState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Policy != CreditSteadyState {
		return FlowState{}, false
	}
	f.grantLocked(f.cfg.CreditBoost)
	return f.stateLocked(), true
}

// OnTransfer consumes one unit of credit for an arriving transfer and
// returns a refreshed grant when the policy calls for one.
func (f *ReceiverFlow) OnTransfer() (FlowState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credit == 0 {
		return FlowState{}, false, ErrCreditExceeded
	}
	f.credit--
	f.deliveryCount++
	if f.available > 0 {
		f.available--
	}
	if f.cfg.Policy == CreditSteadyState && f.credit < f.cfg.MinCreditThreshold {
		f.grantLocked(f.cfg.CreditBoost)
		return f.stateLocked(), true, nil
	}
	return FlowState{}, false, nil
}

// Request adds n credits on behalf of the application.
func (f *ReceiverFlow) Request(n uint32) FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grantLocked(n)
	return f.stateLocked()
}

// OnSenderFlow applies a flow from the sending peer. Transfers precede the
// flow on the channel, so the sender's delivery count is authoritative here.
func (f *ReceiverFlow) OnSenderFlow(remote FlowState) (FlowState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if remote.DeliveryCount != f.deliveryCount {
		// a drain advanced the count past credit we had granted
		consumed := remote.DeliveryCount - f.deliveryCount
		if consumed > f.credit {
			consumed = f.credit
		}
		f.credit -= consumed
		f.deliveryCount = remote.DeliveryCount
	}
	f.available = remote.Available

	reply := remote.Echo
	if f.cfg.Policy == CreditAsDemandedBySender && f.available > 0 && f.credit == 0 {
		grant := f.available
		if grant > f.cfg.CreditBoost {
			grant = f.cfg.CreditBoost
		}
		f.grantLocked(grant)
		reply = true
	}
	if reply {
		return f.stateLocked(), true
	}
	return FlowState{}, false
}

func (f *ReceiverFlow) grantLocked(n uint32) {
	if n == 0 {
		return
	}
	f.credit += n
	observability.RecordCreditGrant(string(f.cfg.Policy), n)
	log.Debug().Msgf("link.GrantCredit name=%s policy=%s grant=%d credit=%d", f.name, f.cfg.Policy, n, f.credit)
}

func (f *ReceiverFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *ReceiverFlow) stateLocked() FlowState {
	return FlowState{DeliveryCount: f.deliveryCount, LinkCredit: f.credit}
}

func (f *ReceiverFlow) Credit() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credit
}

func (f *ReceiverFlow) SetDeliveryCount(n uint32) {
	f.mu.Lock()
	f.deliveryCount = n
	f.mu.Unlock()
}
