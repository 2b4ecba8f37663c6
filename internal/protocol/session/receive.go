package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
	"github.com/rs/zerolog/log"
)

// HandleFrame dispatches one performative received on this session's
// channel. An error matching ErrProtocolViolation means the session has
// already ended and the connection should close.
func (s *Session) HandleFrame(p performative.Performative) error {
	observability.RecordFrame("in", p.Code().String())
	log.Debug().Msgf("session.FrameReceived channel=%d performative=%s", s.channel, p.Code())

	switch v := p.(type) {
	case *performative.Begin:
		return s.handleBegin(v)
	case *performative.Attach:
		return s.handleAttach(v)
	case *performative.Flow:
		return s.handleFlow(v)
	case *performative.Transfer:
		return s.handleTransfer(v)
	case *performative.Disposition:
		return s.handleDisposition(v)
	case *performative.Detach:
		return s.handleDetach(v)
	case *performative.End:
		return s.handleEnd(v)
	default:
		return s.violation(performative.CondNotAllowed, fmt.Sprintf("unexpected performative %s", p.Code()))
	}
}

// violation ends the session with an error condition and reports a
// protocol violation to the connection.
func (s *Session) violation(condition, description string) error {
	log.Error().Msgf("session.ProtocolViolation channel=%d condition=%s %s", s.channel, condition, description)
	cause := &performative.Error{Condition: condition, Description: description}
	if err := s.End(cause); err != nil {
		log.Debug().Msgf("session.ProtocolViolation channel=%d end write failed err=%v", s.channel, err)
	}
	return fmt.Errorf("%w: %s: %s", ErrProtocolViolation, condition, description)
}

func (s *Session) handleBegin(b *performative.Begin) error {
	s.sendMu.Lock()
	s.mu.Lock()
	switch s.state {
	case StateUnmapped:
		s.state = StateBeginRcvd
	case StateBeginSent:
	default:
		st := s.state
		s.mu.Unlock()
		s.sendMu.Unlock()
		return s.violation(performative.CondNotAllowed, fmt.Sprintf("begin in state %s", st))
	}
	var reply *performative.Begin
	if s.state == StateBeginRcvd {
		ch := s.remoteChannel
		reply = s.beginLocked(&ch)
	}
	s.nextIncomingID = b.NextOutgoingID
	s.remoteOutgoingWindow = b.OutgoingWindow
	s.outgoingWindow = b.IncomingWindow
	if b.HandleMax > 0 && b.HandleMax < s.cfg.HandleMax {
		s.remoteHandleMax = b.HandleMax
	}
	s.state = StateMapped
	s.sig.Broadcast()
	w := s.outgoingWindow
	s.mu.Unlock()

	var err error
	if reply != nil {
		err = s.writeLocked(reply)
	}
	s.sendMu.Unlock()
	log.Debug().Msgf("session.Mapped channel=%d outgoing_window=%d", s.channel, w)
	return err
}

func (s *Session) handleFlow(f *performative.Flow) error {
	s.mu.Lock()
	if f.NextIncomingID != nil {
		w := int64(*f.NextIncomingID) + int64(f.IncomingWindow) - int64(s.nextOutgoingID)
		if w < 0 {
			log.Warn().Msgf("session.Flow channel=%d peer window behind next_outgoing_id=%d next_incoming_id=%d incoming_window=%d",
				s.channel, s.nextOutgoingID, *f.NextIncomingID, f.IncomingWindow)
			w = 0
		}
		s.outgoingWindow = uint32(w)
	} else {
		s.outgoingWindow = f.IncomingWindow
	}
	s.remoteOutgoingWindow = f.OutgoingWindow
	s.sig.Broadcast()

	var a *attachment
	if f.Handle != nil {
		a = s.remoteHandles[*f.Handle]
	}
	s.mu.Unlock()

	if f.Handle == nil {
		if f.Echo {
			return s.sendSessionFlow(false)
		}
		return nil
	}
	if a == nil {
		return s.violation(performative.CondUnattachedHandle, fmt.Sprintf("flow for handle %d", *f.Handle))
	}
	st := link.FlowState{
		DeliveryCount: f.DeliveryCount,
		LinkCredit:    f.LinkCredit,
		Available:     f.Available,
		Drain:         f.Drain,
		Echo:          f.Echo,
	}
	switch {
	case a.source != nil:
		a.source.HandleFlow(st)
	case a.target != nil:
		a.target.HandleFlow(st)
	}
	return nil
}

func (s *Session) handleTransfer(t *performative.Transfer) error {
	s.mu.Lock()
	if s.state != StateMapped {
		st := s.state
		s.mu.Unlock()
		if st == StateEndSent || st == StateClosed {
			return nil
		}
		return s.violation(performative.CondNotAllowed, fmt.Sprintf("transfer in state %s", st))
	}
	if s.incomingWindow == 0 {
		s.mu.Unlock()
		return s.violation(performative.CondWindowViolation, fmt.Sprintf("transfer delivery=%d beyond incoming window", t.DeliveryID))
	}
	s.incomingWindow--
	s.nextIncomingID++
	if s.remoteOutgoingWindow > 0 {
		s.remoteOutgoingWindow--
	}
	// every replenish asks the peer to echo its state back
	replenish := s.incomingWindow < s.cfg.LowWater
	if replenish {
		s.incomingWindow = s.cfg.IncomingWindow
	}
	a := s.remoteHandles[t.Handle]
	s.mu.Unlock()

	observability.RecordTransfer("in")
	if replenish {
		observability.RecordWindowReplenish(true)
		log.Debug().Msgf("session.ReplenishWindow channel=%d incoming_window=%d echo=true", s.channel, s.cfg.IncomingWindow)
		if err := s.sendSessionFlow(true); err != nil {
			return err
		}
	}

	if a == nil || a.target == nil {
		return s.violation(performative.CondUnattachedHandle, fmt.Sprintf("transfer for handle %d", t.Handle))
	}
	if err := a.target.HandleTransfer(*t); err != nil {
		if errors.Is(err, link.ErrCreditExceeded) {
			s.detachWithError(a, &performative.Error{Condition: performative.CondTransferLimitExceed, Description: err.Error()})
			return nil
		}
		return err
	}
	return nil
}

func (s *Session) handleDisposition(d *performative.Disposition) error {
	if d.Last < d.First {
		return s.violation(performative.CondInvalidField, fmt.Sprintf("disposition first=%d last=%d", d.First, d.Last))
	}
	if !d.State.Valid() {
		return s.violation(performative.CondInvalidField, fmt.Sprintf("disposition outcome %s", d.State))
	}

	s.mu.Lock()
	attached := make([]*attachment, 0, len(s.handles))
	for _, a := range s.handles {
		attached = append(attached, a)
	}
	s.mu.Unlock()

	// the peer's role names whose deliveries it is settling: a receiver
	// settles ours as sender
	for _, a := range attached {
		switch {
		case d.Role == amqp.RoleReceiver && a.source != nil:
			a.source.ProcessDisposition(d.First, d.Last, d.Settled, d.State)
		case d.Role == amqp.RoleSender && a.target != nil:
			a.target.ProcessDisposition(d.First, d.Last, d.Settled, d.State)
		}
	}
	return nil
}

func (s *Session) handleEnd(e *performative.End) error {
	s.mu.Lock()
	prev := s.state
	if prev == StateEndSent {
		s.state = StateClosed
	} else {
		s.state = StateEndRcvd
	}
	s.mu.Unlock()

	var endErr error = ErrSessionEnded
	if e.Error != nil {
		endErr = fmt.Errorf("%w: %w", ErrSessionEnded, e.Error)
	}
	if prev == StateEndSent {
		s.finish(endErr)
		return nil
	}
	log.Debug().Msgf("session.EndReceived channel=%d err=%v", s.channel, e.Error)
	s.finish(endErr)
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return s.write(&performative.End{})
}
