package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
	"github.com/danmuck/amqpwire/internal/waitq"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadySettled  = errors.New("endpoint: delivery already settled")
	ErrUnknownDelivery = errors.New("endpoint: delivery not tracked by this target")
)

// Target is the receiving endpoint of a link.
type Target struct {
	link *link.Link
	tr   Transport

	unsettled *unsettledTable

	mu       sync.Mutex
	sig      *waitq.Signal
	receiver func(*Delivery)
	pending  []*Delivery
	partial  *Delivery
}

func NewTarget(l *link.Link, tr Transport) *Target {
	if l.Receiver == nil {
		panic("endpoint: NewTarget on a sender link")
	}
	return &Target{
		link:      l,
		tr:        tr,
		unsettled: newUnsettledTable(),
		sig:       waitq.New(),
	}
}

func (t *Target) Link() *link.Link { return t.link }

// Start issues the credit policy's initial grant.
func (t *Target) Start() error {
	st, ok := t.link.Receiver.Initial()
	if !ok {
		return nil
	}
	return t.tr.SendFlow(t.link, st)
}

// RegisterReceiver installs fn as the consumer. Buffered deliveries are
// handed to fn immediately. fn runs on the connection's read goroutine and
// must not block on further traffic from the same connection.
func (t *Target) RegisterReceiver(fn func(*Delivery)) {
	t.mu.Lock()
	t.receiver = fn
	buffered := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, d := range buffered {
		fn(d)
	}
}

// HandleTransfer accepts one transfer frame. Multi-frame deliveries are
// assembled and consume credit once, on their first frame.
func (t *Target) HandleTransfer(tr performative.Transfer) error {
	t.mu.Lock()
	d := t.partial
	first := d == nil
	if first {
		d = newDelivery(tr.DeliveryTag, nil)
		d.assign(tr.DeliveryID)
	}
	d.Payload = append(d.Payload, tr.Payload...)
	if tr.More {
		t.partial = d
	} else {
		t.partial = nil
	}
	t.mu.Unlock()

	if first {
		st, grant, err := t.link.Receiver.OnTransfer()
		if err != nil {
			return fmt.Errorf("%w: link=%s delivery=%d", err, t.link.Name, tr.DeliveryID)
		}
		if grant {
			if err := t.tr.SendFlow(t.link, st); err != nil {
				log.Warn().Msgf("endpoint.Target credit grant failed link=%s err=%v", t.link.Name, err)
			}
		}
	}
	if tr.More {
		return nil
	}
	t.MessageReceived(d, tr.Settled)
	return nil
}

// MessageReceived settles d according to the receiver settle mode and hands
// it to the consumer.
//
// Under settle-first the target accepts and settles at once and always
// reports the outcome, presettled or not. Under settle-second a presettled
// transfer is accepted and reported the same way; anything else stays
// unsettled until the application acknowledges it.
func (t *Target) MessageReceived(d *Delivery, settledBySender bool) {
	if t.link.RcvSettleMode == amqp.RcvFirst || settledBySender {
		d.settle(amqp.Accepted())
		id := d.key()
		t.tr.QueueDisposition(amqp.RoleReceiver, id, true, amqp.Accepted())
		if err := t.tr.FlushDispositions(); err != nil {
			log.Warn().Msgf("endpoint.Target accept failed link=%s delivery=%d err=%v", t.link.Name, id, err)
		}
		kind := amqp.KindAccepted.String()
		if settledBySender {
			kind = "presettled"
		}
		observability.RecordSettlement(amqp.RoleReceiver.String(), kind, 1)
	} else {
		t.unsettled.Upsert(d)
	}
	t.mu.Lock()
	fn := t.receiver
	if fn == nil {
		t.pending = append(t.pending, d)
		t.sig.Broadcast()
	}
	t.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// GetMessage pulls the next buffered delivery. Under the offered-by-target
// policy each call that finds the buffer empty grants one credit.
func (t *Target) GetMessage(ctx context.Context) (*Delivery, error) {
	requested := false
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			d := t.pending[0]
			t.pending[0] = nil
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return d, nil
		}
		wake := t.sig.Wait()
		t.mu.Unlock()

		if !requested && t.link.Receiver.Policy() == link.CreditOfferedByTarget {
			requested = true
			if err := t.tr.SendFlow(t.link, t.link.Receiver.Request(1)); err != nil {
				return nil, err
			}
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.link.Done():
			return nil, t.link.Err()
		}
	}
}

// Acknowledge settles an unsettled delivery with outcome. Under
// settle-second the disposition stays unsettled until the sender confirms.
func (t *Target) Acknowledge(d *Delivery, outcome *amqp.Outcome) error {
	if err := t.queueAck(d, outcome); err != nil {
		return err
	}
	return t.tr.FlushDispositions()
}

// AcknowledgeAll applies one outcome to many deliveries in a single flush.
// Adjacent ids go out as one ranged disposition.
func (t *Target) AcknowledgeAll(ds []*Delivery, outcome *amqp.Outcome) error {
	queued := 0
	for _, d := range ds {
		err := t.queueAck(d, outcome)
		if errors.Is(err, ErrAlreadySettled) {
			continue
		}
		if err != nil {
			return err
		}
		queued++
	}
	if queued == 0 {
		return nil
	}
	return t.tr.FlushDispositions()
}

func (t *Target) queueAck(d *Delivery, outcome *amqp.Outcome) error {
	if outcome == nil {
		outcome = amqp.Accepted()
	}
	if d.Settled() {
		return ErrAlreadySettled
	}
	if _, ok := t.unsettled.Get(d.key()); !ok {
		return ErrUnknownDelivery
	}
	t.tr.QueueDisposition(amqp.RoleReceiver, d.key(), false, outcome)
	d.mu.Lock()
	d.outcome = outcome
	d.mu.Unlock()
	return nil
}

// ProcessDisposition applies a disposition from the sender. A settled
// disposition completes the matching deliveries; unknown ids are ignored.
func (t *Target) ProcessDisposition(first, last uint64, settled bool, outcome *amqp.Outcome) {
	if !settled {
		return
	}
	removed := t.unsettled.RemoveRange(first, last)
	for _, d := range removed {
		final := outcome
		if final == nil {
			final = d.Outcome()
		}
		d.settle(final)
	}
	if len(removed) > 0 {
		observability.RecordSettlement(amqp.RoleReceiver.String(), outcome.String(), len(removed))
	}
}

// HandleFlow applies a flow from the sending peer.
func (t *Target) HandleFlow(st link.FlowState) {
	reply, ok := t.link.Receiver.OnSenderFlow(st)
	if !ok {
		return
	}
	if err := t.tr.SendFlow(t.link, reply); err != nil {
		log.Debug().Msgf("endpoint.Target flow reply failed link=%s err=%v", t.link.Name, err)
	}
}

// Unsettled returns the ids awaiting settlement, ascending.
func (t *Target) Unsettled() []uint64 { return t.unsettled.IDs() }

// Close detaches the link. Unsettled deliveries fail with its error.
func (t *Target) Close(cause error) {
	t.link.Close(cause)
	err := t.link.Err()
	for _, d := range t.unsettled.Drain() {
		d.fail(err)
	}
	t.mu.Lock()
	t.sig.Broadcast()
	t.mu.Unlock()
}
