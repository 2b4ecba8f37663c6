package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/disposition"
	"github.com/danmuck/amqpwire/internal/endpoint"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
	"github.com/danmuck/amqpwire/internal/waitq"
	"github.com/rs/zerolog/log"
)

// State is the session lifecycle position.
type State uint8

const (
	StateUnmapped State = iota
	StateBeginSent
	StateBeginRcvd
	StateMapped
	StateEndSent
	StateEndRcvd
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnmapped:
		return "unmapped"
	case StateBeginSent:
		return "begin-sent"
	case StateBeginRcvd:
		return "begin-rcvd"
	case StateMapped:
		return "mapped"
	case StateEndSent:
		return "end-sent"
	case StateEndRcvd:
		return "end-rcvd"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// FrameWriter queues frames for the connection. It must not block on the
// peer reading.
type FrameWriter interface {
	WriteFrame(f frame.Frame) error
}

// Handlers receive endpoints created by peer-initiated attaches.
type Handlers struct {
	// OnSource is called when the peer attaches a receiver and this side
	// becomes the source.
	OnSource func(*endpoint.Source)
	// OnTarget is called when the peer attaches a sender.
	OnTarget func(*endpoint.Target)
	// Observer is installed on sources created for peer receivers.
	Observer endpoint.Observer
}

// Session is one AMQP session on a connection channel.
type Session struct {
	cfg      Config
	channel  uint16
	w        FrameWriter
	handlers Handlers

	// sendMu serializes every frame write so the wire order matches the
	// order in which transfers were committed.
	sendMu sync.Mutex

	mu                   sync.Mutex
	sig                  *waitq.Signal
	state                State
	remoteChannel        uint16
	nextOutgoingID       uint64
	outgoingWindow       uint32
	nextIncomingID       uint64
	incomingWindow       uint32
	remoteOutgoingWindow uint32
	remoteHandleMax      uint32
	nextHandle           uint32

	handles       map[uint32]*attachment
	remoteHandles map[uint32]*attachment
	names         map[string]*attachment

	dispositions map[amqp.Role]*disposition.Tracker

	done chan struct{}
	err  error
}

// New creates an unmapped session that writes on channel.
func New(channel uint16, w FrameWriter, cfg Config, handlers Handlers) *Session {
	cfg = cfg.WithDefaults()
	return &Session{
		cfg:             cfg,
		channel:         channel,
		w:               w,
		handlers:        handlers,
		sig:             waitq.New(),
		incomingWindow:  cfg.IncomingWindow,
		remoteHandleMax: cfg.HandleMax,
		handles:         make(map[uint32]*attachment),
		remoteHandles:   make(map[uint32]*attachment),
		names:           make(map[string]*attachment),
		dispositions: map[amqp.Role]*disposition.Tracker{
			amqp.RoleSender:   disposition.NewTracker(),
			amqp.RoleReceiver: disposition.NewTracker(),
		},
		done: make(chan struct{}),
	}
}

func (s *Session) Channel() uint16 { return s.channel }

// BindRemoteChannel records the channel the peer uses for this session.
func (s *Session) BindRemoteChannel(ch uint16) {
	s.mu.Lock()
	s.remoteChannel = ch
	s.mu.Unlock()
}

func (s *Session) Config() Config { return s.cfg }

// Begin sends begin and waits for the peer's begin.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnmapped {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: begin in state %s", ErrNotMapped, st)
	}
	s.state = StateBeginSent
	begin := s.beginLocked(nil)
	s.mu.Unlock()

	log.Debug().Msgf("session.Begin channel=%d incoming_window=%d", s.channel, begin.IncomingWindow)
	if err := s.write(begin); err != nil {
		return err
	}
	return s.waitMapped(ctx)
}

func (s *Session) beginLocked(remote *uint16) *performative.Begin {
	return &performative.Begin{
		RemoteChannel:  remote,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.cfg.OutgoingWindow,
		HandleMax:      s.cfg.HandleMax,
	}
}

func (s *Session) waitMapped(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if s.state == StateMapped {
			s.mu.Unlock()
			return nil
		}
		wake := s.sig.Wait()
		s.mu.Unlock()
		select {
		case <-wake:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// End sends end with an optional error and fails every blocked caller with
// ErrSessionEnded.
func (s *Session) End(cause *performative.Error) error {
	s.mu.Lock()
	switch s.state {
	case StateEndSent, StateClosed:
		s.mu.Unlock()
		return nil
	case StateEndRcvd:
		s.state = StateClosed
	default:
		s.state = StateEndSent
	}
	s.mu.Unlock()

	werr := s.write(&performative.End{Error: cause})
	endErr := ErrSessionEnded
	if cause != nil {
		endErr = fmt.Errorf("%w: %w", ErrSessionEnded, cause)
	}
	s.finish(endErr)
	return werr
}

// finish tears the session down exactly once. It must not run under sendMu.
func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	close(s.done)
	s.sig.Broadcast()
	attached := make([]*attachment, 0, len(s.handles))
	for _, a := range s.handles {
		attached = append(attached, a)
	}
	s.handles = make(map[uint32]*attachment)
	s.remoteHandles = make(map[uint32]*attachment)
	s.names = make(map[string]*attachment)
	s.mu.Unlock()

	for _, a := range attached {
		a.close(err)
	}
	log.Debug().Msgf("session.End channel=%d links=%d err=%v", s.channel, len(attached), err)
}

// Abort ends the session locally without writing, as when the connection
// is gone.
func (s *Session) Abort(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	if err == nil {
		s.finish(ErrSessionEnded)
		return
	}
	s.finish(fmt.Errorf("%w: %w", ErrSessionEnded, err))
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Windows reports the window bookkeeping.
type Windows struct {
	NextOutgoingID uint64
	OutgoingWindow uint32
	NextIncomingID uint64
	IncomingWindow uint32
}

func (s *Session) Windows() Windows {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Windows{
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.outgoingWindow,
		NextIncomingID: s.nextIncomingID,
		IncomingWindow: s.incomingWindow,
	}
}

// write marshals p and hands it to the FrameWriter under the send lock.
func (s *Session) write(p performative.Performative) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writeLocked(p)
}

func (s *Session) writeLocked(p performative.Performative) error {
	body, err := performative.Marshal(p)
	if err != nil {
		return err
	}
	observability.RecordFrame("out", p.Code().String())
	return s.w.WriteFrame(frame.Frame{Channel: s.channel, Type: frame.TypeAMQP, Body: body})
}
