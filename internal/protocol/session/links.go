package session

import (
	"context"
	"fmt"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/endpoint"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
	"github.com/rs/zerolog/log"
)

// attachment binds a link to its endpoint inside the session tables.
type attachment struct {
	link   *link.Link
	source *endpoint.Source
	target *endpoint.Target

	// attached closes when the peer's attach arrives.
	attached   chan struct{}
	detachSent bool
}

func (a *attachment) close(cause error) {
	switch {
	case a.source != nil:
		a.source.Close(cause)
	case a.target != nil:
		a.target.Close(cause)
	default:
		a.link.Close(cause)
	}
}

// LinkOptions name a locally initiated link. A zero Config uses the
// session's link config.
type LinkOptions struct {
	Name     string
	Source   string
	Target   string
	Config   *link.Config
	Observer endpoint.Observer
}

// OpenSender attaches a sending link and waits for the peer to attach.
func (s *Session) OpenSender(ctx context.Context, opts LinkOptions) (*endpoint.Source, error) {
	a, err := s.attach(ctx, amqp.RoleSender, opts, func(l *link.Link) *attachment {
		return &attachment{link: l, source: endpoint.NewSource(l, s, opts.Observer)}
	})
	if err != nil {
		return nil, err
	}
	return a.source, nil
}

// OpenReceiver attaches a receiving link, waits for the peer to attach and
// issues the initial credit.
func (s *Session) OpenReceiver(ctx context.Context, opts LinkOptions) (*endpoint.Target, error) {
	a, err := s.attach(ctx, amqp.RoleReceiver, opts, func(l *link.Link) *attachment {
		return &attachment{link: l, target: endpoint.NewTarget(l, s)}
	})
	if err != nil {
		return nil, err
	}
	if err := a.target.Start(); err != nil {
		return nil, err
	}
	return a.target, nil
}

func (s *Session) attach(ctx context.Context, role amqp.Role, opts LinkOptions, build func(*link.Link) *attachment) (*attachment, error) {
	if err := s.waitMapped(ctx); err != nil {
		return nil, err
	}
	cfg := s.cfg.Link
	if opts.Config != nil {
		cfg = *opts.Config
	}

	s.mu.Lock()
	if _, exists := s.names[opts.Name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLinkExists, opts.Name)
	}
	handle, err := s.allocHandleLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	l := link.New(link.Options{
		Name:   opts.Name,
		Handle: handle,
		Role:   role,
		Source: opts.Source,
		Target: opts.Target,
		Config: cfg,
	})
	a := build(l)
	a.attached = make(chan struct{})
	s.handles[handle] = a
	s.names[opts.Name] = a
	s.mu.Unlock()

	log.Debug().Msgf("session.Attach channel=%d name=%s handle=%d role=%s", s.channel, opts.Name, handle, role)
	if err := s.write(attachFor(l)); err != nil {
		s.forget(a)
		a.close(err)
		return nil, err
	}

	select {
	case <-a.attached:
		return a, nil
	case <-s.done:
		return nil, s.Err()
	case <-ctx.Done():
		s.Detach(l, nil)
		return nil, ctx.Err()
	}
}

func (s *Session) allocHandleLocked() (uint32, error) {
	limit := uint64(s.cfg.HandleMax)
	if uint64(s.remoteHandleMax) < limit {
		limit = uint64(s.remoteHandleMax)
	}
	for i := uint64(0); i <= limit; i++ {
		h := uint32((uint64(s.nextHandle) + i) % (limit + 1))
		if _, used := s.handles[h]; !used {
			s.nextHandle = h + 1
			return h, nil
		}
	}
	return 0, ErrHandleExhausted
}

func attachFor(l *link.Link) *performative.Attach {
	a := &performative.Attach{
		Name:          l.Name,
		Handle:        l.Handle,
		Role:          l.Role,
		SndSettleMode: l.SndSettleMode,
		RcvSettleMode: l.RcvSettleMode,
		Source:        l.Source,
		Target:        l.Target,
	}
	if l.Sender != nil {
		a.InitialDeliveryCount = l.Sender.State().DeliveryCount
	}
	return a
}

func (s *Session) handleAttach(at *performative.Attach) error {
	s.mu.Lock()
	if _, used := s.remoteHandles[at.Handle]; used {
		s.mu.Unlock()
		return s.violation(performative.CondNotAllowed, fmt.Sprintf("attach on handle %d already in use", at.Handle))
	}
	if a, ok := s.names[at.Name]; ok {
		// reply to an attach we initiated
		if _, attached := a.link.RemoteHandle(); attached || a.link.Role == at.Role {
			s.mu.Unlock()
			return s.violation(performative.CondNotAllowed, fmt.Sprintf("duplicate attach for link %s", at.Name))
		}
		s.remoteHandles[at.Handle] = a
		s.mu.Unlock()
		a.link.SetRemoteHandle(at.Handle)
		if a.target != nil {
			a.link.Receiver.SetDeliveryCount(at.InitialDeliveryCount)
		}
		close(a.attached)
		return nil
	}

	handle, err := s.allocHandleLocked()
	if err != nil {
		s.mu.Unlock()
		return s.violation(performative.CondNotAllowed, err.Error())
	}
	cfg := s.cfg.Link
	cfg.SndSettleMode = at.SndSettleMode
	cfg.RcvSettleMode = at.RcvSettleMode
	l := link.New(link.Options{
		Name:   at.Name,
		Handle: handle,
		Role:   at.Role.Opposite(),
		Source: at.Source,
		Target: at.Target,
		Config: cfg,
	})
	l.SetRemoteHandle(at.Handle)
	a := &attachment{link: l, attached: make(chan struct{})}
	close(a.attached)
	if l.Role == amqp.RoleSender {
		a.source = endpoint.NewSource(l, s, s.handlers.Observer)
	} else {
		l.Receiver.SetDeliveryCount(at.InitialDeliveryCount)
		a.target = endpoint.NewTarget(l, s)
	}
	s.handles[handle] = a
	s.remoteHandles[at.Handle] = a
	s.names[at.Name] = a
	s.mu.Unlock()

	log.Debug().Msgf("session.AttachReceived channel=%d name=%s handle=%d remote_handle=%d role=%s", s.channel, at.Name, handle, at.Handle, l.Role)
	if err := s.write(attachFor(l)); err != nil {
		return err
	}
	if a.source != nil {
		if s.handlers.OnSource != nil {
			s.handlers.OnSource(a.source)
		}
		return nil
	}
	if s.handlers.OnTarget != nil {
		s.handlers.OnTarget(a.target)
	}
	return a.target.Start()
}

// Detach closes l locally and tells the peer. Blocked callers on l wake
// with link.ErrDetached.
func (s *Session) Detach(l *link.Link, cause *performative.Error) error {
	s.mu.Lock()
	a, ok := s.handles[l.Handle]
	if !ok || a.link != l {
		s.mu.Unlock()
		return nil
	}
	return s.detachLocked(a, cause)
}

func (s *Session) detachWithError(a *attachment, cause *performative.Error) {
	s.mu.Lock()
	if cur, ok := s.handles[a.link.Handle]; !ok || cur != a {
		s.mu.Unlock()
		return
	}
	if err := s.detachLocked(a, cause); err != nil {
		log.Warn().Msgf("session.Detach channel=%d link=%s err=%v", s.channel, a.link.Name, err)
	}
}

// detachLocked is entered with mu held and releases it.
func (s *Session) detachLocked(a *attachment, cause *performative.Error) error {
	if a.detachSent {
		s.mu.Unlock()
		return nil
	}
	a.detachSent = true
	_, remote := a.link.RemoteHandle()
	if !remote {
		// the peer never attached, nothing to wait for
		s.forgetLocked(a)
	}
	s.mu.Unlock()

	var closeErr error
	if cause != nil {
		closeErr = cause
	}
	a.close(closeErr)
	log.Debug().Msgf("session.Detach channel=%d name=%s handle=%d cause=%v", s.channel, a.link.Name, a.link.Handle, cause)
	return s.write(&performative.Detach{Handle: a.link.Handle, Closed: true, Error: cause})
}

func (s *Session) handleDetach(d *performative.Detach) error {
	s.mu.Lock()
	a, ok := s.remoteHandles[d.Handle]
	if !ok {
		s.mu.Unlock()
		return s.violation(performative.CondUnattachedHandle, fmt.Sprintf("detach for handle %d", d.Handle))
	}
	replied := a.detachSent
	a.detachSent = true
	s.forgetLocked(a)
	s.mu.Unlock()

	var cause error
	if d.Error != nil {
		cause = d.Error
	}
	a.close(cause)
	log.Debug().Msgf("session.DetachReceived channel=%d name=%s remote_handle=%d err=%v", s.channel, a.link.Name, d.Handle, d.Error)
	if replied {
		return nil
	}
	return s.write(&performative.Detach{Handle: a.link.Handle, Closed: d.Closed})
}

func (s *Session) forget(a *attachment) {
	s.mu.Lock()
	s.forgetLocked(a)
	s.mu.Unlock()
}

func (s *Session) forgetLocked(a *attachment) {
	if cur, ok := s.handles[a.link.Handle]; ok && cur == a {
		delete(s.handles, a.link.Handle)
	}
	if h, ok := a.link.RemoteHandle(); ok {
		if cur, ok := s.remoteHandles[h]; ok && cur == a {
			delete(s.remoteHandles, h)
		}
	}
	if cur, ok := s.names[a.link.Name]; ok && cur == a {
		delete(s.names, a.link.Name)
	}
}
