package endpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
	"github.com/danmuck/amqpwire/internal/waitq"
	"github.com/rs/zerolog/log"
)

// Source is the sending endpoint of a link. Messages pass the link's
// congestion gate in SendMessage and are transmitted in FIFO order by a
// single pump goroutine as credit allows.
type Source struct {
	link     *link.Link
	tr       Transport
	observer Observer

	queue     chan *Delivery
	unsettled *unsettledTable

	mu  sync.Mutex
	sig *waitq.Signal

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

// NewSource starts the pump for a sender link. observer may be nil.
func NewSource(l *link.Link, tr Transport, observer Observer) *Source {
	if l.Sender == nil {
		panic("endpoint: NewSource on a receiver link")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		link:      l,
		tr:        tr,
		observer:  observer,
		queue:     make(chan *Delivery, l.Sender.Config().MaxUnsent),
		unsettled: newUnsettledTable(),
		sig:       waitq.New(),
		ctx:       ctx,
		cancel:    cancel,
		exited:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Source) Link() *link.Link { return s.link }

// SendMessage queues payload for transmission. It blocks only on the
// congestion gate and fails with link.ErrCongestion when that wait exceeds
// the link's MaxWait.
func (s *Source) SendMessage(ctx context.Context, payload []byte) (*Delivery, error) {
	if err := s.link.Sender.Reserve(ctx); err != nil {
		return nil, err
	}
	d := newDelivery(s.link.NextTag(), payload)
	select {
	case s.queue <- d:
		return d, nil
	case <-s.link.Done():
		s.link.Sender.Release()
		return nil, s.link.Err()
	}
}

func (s *Source) pump() {
	defer close(s.exited)
	for {
		select {
		case d := <-s.queue:
			s.deliver(d)
		case <-s.link.Done():
			s.abandonQueued(s.link.Err())
			return
		}
	}
}

func (s *Source) deliver(d *Delivery) {
	for {
		err := s.link.Sender.AwaitCredit(s.ctx, s.advertise)
		if err == nil {
			break
		}
		if errors.Is(err, link.ErrCreditTimeout) {
			log.Debug().Msgf("endpoint.Source waiting for credit link=%s unsent=%d", s.link.Name, s.link.Sender.Unsent())
			continue
		}
		s.link.Sender.Release()
		d.fail(s.failure(err))
		s.notify()
		return
	}
	s.transmit(d)
}

func (s *Source) transmit(d *Delivery) {
	presettled := s.link.Presettled()
	t := performative.Transfer{
		Handle:      s.link.Handle,
		DeliveryTag: d.Tag,
		Settled:     presettled,
		Payload:     d.Payload,
	}
	assigned := false
	var err error
	for {
		_, err = s.tr.SendTransfer(s.ctx, s.link, t, func(id uint64) {
			assigned = true
			d.assign(id)
			if !presettled {
				s.unsettled.Upsert(d)
			}
			s.link.Sender.MarkSent(!presettled)
		})
		if assigned || !errors.Is(err, ErrWindowTimeout) {
			break
		}
		log.Debug().Msgf("endpoint.Source waiting for session window link=%s", s.link.Name)
	}
	if err != nil {
		switch {
		case !assigned:
			s.link.Sender.Release()
		case !presettled:
			if _, ok := s.unsettled.Remove(d.key()); ok {
				s.link.Sender.MarkSettled(1)
			}
		}
		err = s.failure(err)
		log.Warn().Msgf("endpoint.Source transfer failed link=%s err=%v", s.link.Name, err)
		d.fail(err)
		s.notify()
		return
	}
	if presettled {
		d.settle(nil)
		observability.RecordSettlement(amqp.RoleSender.String(), "presettled", 1)
	}
	if st, ok := s.link.Sender.DrainIfIdle(); ok {
		if err := s.tr.SendFlow(s.link, st); err != nil {
			log.Warn().Msgf("endpoint.Source drain flow failed link=%s err=%v", s.link.Name, err)
		}
	}
	s.notify()
}

// failure prefers the link's terminal error over whatever woke the pump.
func (s *Source) failure(err error) error {
	if lerr := s.link.Err(); lerr != nil {
		return lerr
	}
	return err
}

func (s *Source) advertise(st link.FlowState) {
	if err := s.tr.SendFlow(s.link, st); err != nil {
		log.Debug().Msgf("endpoint.Source advertise failed link=%s err=%v", s.link.Name, err)
	}
}

// ProcessDisposition applies a disposition from the consumer to this
// source's deliveries in [first, last]. Ids this source does not track are
// ignored. An unsettled terminal outcome is settled here and confirmed to
// the peer.
func (s *Source) ProcessDisposition(first, last uint64, settled bool, outcome *amqp.Outcome) {
	if !settled && outcome == nil {
		return
	}
	removed := s.unsettled.RemoveRange(first, last)
	if len(removed) == 0 {
		log.Debug().Msgf("endpoint.Source disposition for unknown ids link=%s first=%d last=%d", s.link.Name, first, last)
		return
	}
	for _, d := range removed {
		d.settle(outcome)
		if s.observer != nil {
			s.observer.MessageAckedByConsumer(d, outcome)
		}
	}
	s.link.Sender.MarkSettled(len(removed))
	observability.RecordSettlement(amqp.RoleSender.String(), outcome.String(), len(removed))

	if !settled {
		for _, d := range removed {
			s.tr.QueueDisposition(amqp.RoleSender, d.key(), true, outcome)
		}
		if err := s.tr.FlushDispositions(); err != nil {
			log.Warn().Msgf("endpoint.Source settle confirm failed link=%s err=%v", s.link.Name, err)
		}
	}
	s.notify()
}

// HandleFlow applies a flow from the receiving peer.
func (s *Source) HandleFlow(st link.FlowState) {
	reply, ok := s.link.Sender.HandleFlow(st)
	if !ok {
		return
	}
	if err := s.tr.SendFlow(s.link, reply); err != nil {
		log.Debug().Msgf("endpoint.Source flow reply failed link=%s err=%v", s.link.Name, err)
	}
}

// Unsettled returns the ids of deliveries awaiting settlement, ascending.
func (s *Source) Unsettled() []uint64 { return s.unsettled.IDs() }

// WaitSettled blocks until nothing is queued or unsettled.
func (s *Source) WaitSettled(ctx context.Context) error {
	for {
		s.mu.Lock()
		wake := s.sig.Wait()
		s.mu.Unlock()
		if s.link.Sender.Unsent() == 0 && s.unsettled.Len() == 0 {
			return nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.link.Done():
			return s.link.Err()
		}
	}
}

func (s *Source) notify() {
	s.mu.Lock()
	s.sig.Broadcast()
	s.mu.Unlock()
}

// Close detaches the link and stops the pump. Queued and unsettled
// deliveries fail with an error matching link.ErrDetached.
func (s *Source) Close(cause error) {
	s.link.Close(cause)
	s.cancel()
	<-s.exited
	err := s.link.Err()
	for _, d := range s.unsettled.Drain() {
		d.fail(err)
	}
	s.notify()
}

func (s *Source) abandonQueued(err error) {
	for {
		select {
		case d := <-s.queue:
			s.link.Sender.Release()
			d.fail(err)
		default:
			s.notify()
			return
		}
	}
}
