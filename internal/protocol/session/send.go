package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
	"github.com/danmuck/amqpwire/internal/waitq"
	"github.com/rs/zerolog/log"
)

// SendTransfer assigns the next delivery id to t and writes it. It blocks
// while the outgoing window is closed, failing with ErrWindowTimeout after
// WindowWait and with ErrSessionEnded if the session ends first.
//
// assigned runs with the delivery id after the window slot is taken and
// before the frame is written.
func (s *Session) SendTransfer(ctx context.Context, l *link.Link, t performative.Transfer, assigned func(deliveryID uint64)) (uint64, error) {
	start := time.Now()
	deadline := waitq.NewDeadline(s.cfg.WindowWait)
	defer deadline.Stop()

	for {
		if err := s.awaitWindow(ctx, deadline); err != nil {
			if errors.Is(err, waitq.ErrTimeout) {
				observability.RecordWindowWait(time.Since(start))
				log.Warn().Msgf("session.SendTransfer channel=%d link=%s window stalled for %s", s.channel, l.Name, time.Since(start))
				return 0, ErrWindowTimeout
			}
			return 0, err
		}

		s.sendMu.Lock()
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			s.sendMu.Unlock()
			return 0, err
		}
		if s.outgoingWindow == 0 {
			// another sender took the last slot
			s.mu.Unlock()
			s.sendMu.Unlock()
			continue
		}
		id := s.nextOutgoingID
		s.nextOutgoingID++
		s.outgoingWindow--
		s.mu.Unlock()

		t.Handle = l.Handle
		t.DeliveryID = id
		if assigned != nil {
			assigned(id)
		}
		err := s.writeLocked(&t)
		s.sendMu.Unlock()

		if waited := time.Since(start); waited > time.Millisecond {
			observability.RecordWindowWait(waited)
		}
		if err != nil {
			return id, fmt.Errorf("session: write transfer delivery=%d: %w", id, err)
		}
		observability.RecordTransfer("out")
		return id, nil
	}
}

func (s *Session) awaitWindow(ctx context.Context, deadline *waitq.Deadline) error {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if s.state == StateMapped && s.outgoingWindow > 0 {
			s.mu.Unlock()
			return nil
		}
		wake := s.sig.Wait()
		s.mu.Unlock()

		if err := deadline.Block(ctx, wake, s.done, s.Err); err != nil {
			return err
		}
	}
}

// QueueDisposition records a settlement for the next FlushDispositions.
func (s *Session) QueueDisposition(role amqp.Role, id uint64, settled bool, outcome *amqp.Outcome) {
	s.dispositions[role].Add(id, settled, outcome)
}

// FlushDispositions writes every queued disposition range, sender role
// first.
func (s *Session) FlushDispositions() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.Err(); err != nil {
		return err
	}
	for _, role := range []amqp.Role{amqp.RoleSender, amqp.RoleReceiver} {
		for _, r := range s.dispositions[role].Drain() {
			d := &performative.Disposition{
				Role:    role,
				First:   r.First,
				Last:    r.Last,
				Settled: r.Settled,
				State:   r.Outcome,
			}
			if err := s.writeLocked(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendFlow writes a flow carrying the session windows and the link state.
func (s *Session) SendFlow(l *link.Link, st link.FlowState) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	f := s.flowLocked(false)
	s.mu.Unlock()

	handle := l.Handle
	f.Handle = &handle
	f.DeliveryCount = st.DeliveryCount
	f.LinkCredit = st.LinkCredit
	f.Available = st.Available
	f.Drain = st.Drain
	f.Echo = st.Echo
	return s.writeLocked(f)
}

// sendSessionFlow writes a flow with no link state.
func (s *Session) sendSessionFlow(echo bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	f := s.flowLocked(echo)
	s.mu.Unlock()
	return s.writeLocked(f)
}

func (s *Session) flowLocked(echo bool) *performative.Flow {
	f := &performative.Flow{
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.outgoingWindow,
		Echo:           echo,
	}
	if s.state == StateMapped || s.state == StateBeginRcvd {
		next := s.nextIncomingID
		f.NextIncomingID = &next
	}
	return f
}
