package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const readChunk = 32 * 1024

// Conn multiplexes sessions over one byte stream. One goroutine reads and
// dispatches frames; another drains the write queue, so the reader never
// waits on the peer consuming our writes.
type Conn struct {
	rw        io.ReadWriteCloser
	cfg       Config
	container *Container
	out       *frameQueue

	mu          sync.Mutex
	sessions    map[uint16]*session.Session
	remote      map[uint16]*session.Session
	nextChannel uint16

	closeOnce  sync.Once
	done       chan struct{}
	err        error
	writerDone chan struct{}
	exited     sync.WaitGroup
}

func newConn(rw io.ReadWriteCloser, container *Container) *Conn {
	c := &Conn{
		rw:         rw,
		cfg:        container.cfg,
		container:  container,
		out:        newFrameQueue(),
		sessions:   make(map[uint16]*session.Session),
		remote:     make(map[uint16]*session.Session),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.exited.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// WriteFrame queues f for the write loop.
func (c *Conn) WriteFrame(f frame.Frame) error {
	return c.out.push(f)
}

// NewSession begins a session on a free channel.
func (c *Conn) NewSession(ctx context.Context) (*session.Session, error) {
	s, err := c.addSession()
	if err != nil {
		return nil, err
	}
	if err := s.Begin(ctx); err != nil {
		c.removeSession(s)
		return nil, err
	}
	return s, nil
}

func (c *Conn) addSession() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	for i := 0; i <= 0xFFFF; i++ {
		ch := c.nextChannel + uint16(i)
		if _, used := c.sessions[ch]; used {
			continue
		}
		c.nextChannel = ch + 1
		s := session.New(ch, c, c.cfg.Session, c.container.opts.Handlers)
		c.sessions[ch] = s
		return s, nil
	}
	return nil, ErrChannelExhausted
}

func (c *Conn) removeSession(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.Channel()]; ok && cur == s {
		delete(c.sessions, s.Channel())
	}
	for ch, cur := range c.remote {
		if cur == s {
			delete(c.remote, ch)
		}
	}
}

func (c *Conn) readLoop() {
	defer c.exited.Done()
	dec := frame.NewDecoder(c.cfg.Frame)
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		n, err := c.rw.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if ferr := c.drain(dec, &buf); ferr != nil {
				c.close(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				c.close(nil)
			} else {
				c.close(err)
			}
			return
		}
	}
}

// drain dispatches every complete frame in buf.
func (c *Conn) drain(dec *frame.Decoder, buf *bytes.Buffer) error {
	for {
		f, err := dec.Decode(buf)
		if errors.Is(err, frame.ErrNeedMoreBytes) {
			return nil
		}
		if err != nil {
			log.Error().Msgf("transport.ReadFrame decode failed err=%v", err)
			return err
		}
		if f.Type != frame.TypeAMQP {
			return fmt.Errorf("%w: %s", ErrUnsupportedFrame, f.Type)
		}
		if f.IsHeartbeat() {
			continue
		}
		p, err := performative.Unmarshal(f.Body)
		if err != nil {
			log.Error().Msgf("transport.ReadFrame channel=%d body invalid err=%v", f.Channel, err)
			return err
		}
		if err := c.dispatch(f.Channel, p); err != nil {
			return err
		}
	}
}

func (c *Conn) dispatch(channel uint16, p performative.Performative) error {
	s, err := c.route(channel, p)
	if err != nil {
		return err
	}
	if err := s.HandleFrame(p); err != nil {
		return err
	}
	if s.State() == session.StateClosed {
		c.removeSession(s)
	}
	return nil
}

// route finds the session for a frame, binding or creating one on begin.
func (c *Conn) route(channel uint16, p performative.Performative) (*session.Session, error) {
	begin, isBegin := p.(*performative.Begin)
	if !isBegin {
		c.mu.Lock()
		s, ok := c.remote[channel]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: channel=%d performative=%s", ErrUnknownChannel, channel, p.Code())
		}
		return s, nil
	}

	if begin.RemoteChannel != nil {
		c.mu.Lock()
		s, ok := c.sessions[*begin.RemoteChannel]
		if ok {
			c.remote[channel] = s
		}
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: begin reply for channel=%d", ErrUnknownChannel, *begin.RemoteChannel)
		}
		s.BindRemoteChannel(channel)
		return s, nil
	}

	s, err := c.addSession()
	if err != nil {
		return nil, err
	}
	s.BindRemoteChannel(channel)
	c.mu.Lock()
	c.remote[channel] = s
	c.mu.Unlock()
	log.Debug().Msgf("transport.SessionAccepted local_channel=%d remote_channel=%d", s.Channel(), channel)
	if c.container.opts.OnSession != nil {
		defer c.container.opts.OnSession(s)
	}
	return s, nil
}

func (c *Conn) writeLoop() {
	defer c.exited.Done()
	defer close(c.writerDone)
	w := bufio.NewWriter(c.rw)
	for {
		batch, ok := c.out.popAll()
		if !ok {
			return
		}
		for _, f := range batch {
			if err := frame.WriteFrame(w, f, c.cfg.Frame); err != nil {
				c.close(err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			c.close(err)
			return
		}
	}
}

// Close ends every session, flushes queued frames and closes the stream.
func (c *Conn) Close() error {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		if err := s.End(nil); err != nil {
			log.Debug().Msgf("transport.Close channel=%d end failed err=%v", s.Channel(), err)
		}
	}

	c.out.close()
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-timer.C:
		log.Warn().Msgf("transport.Close flush timed out after %s", c.cfg.ConnectTimeout)
	}
	c.close(nil)
	c.exited.Wait()
	return nil
}

func (c *Conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause == nil {
			c.err = ErrConnClosed
		} else {
			c.err = fmt.Errorf("%w: %w", ErrConnClosed, cause)
		}
		sessions := make([]*session.Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessions = make(map[uint16]*session.Session)
		c.remote = make(map[uint16]*session.Session)
		c.mu.Unlock()

		if cause != nil {
			log.Warn().Msgf("transport.Close err=%v", cause)
		}
		c.out.close()
		_ = c.rw.Close()
		for _, s := range sessions {
			s.Abort(cause)
		}
		close(c.done)
		c.container.untrack(c)
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
