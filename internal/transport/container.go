// Package transport carries AMQP sessions over byte streams.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options customize how a Container reacts to peer-initiated work.
type Options struct {
	// Handlers receive endpoints for links the peer attaches.
	Handlers session.Handlers
	// OnSession is called for each session the peer begins.
	OnSession func(*session.Session)
}

// Container owns the container id, link naming and the live connections
// created from it.
type Container struct {
	id   string
	cfg  Config
	opts Options

	mu    sync.Mutex
	rng   *rand.Rand
	conns map[*Conn]struct{}
}

func NewContainer(cfg Config, opts Options) *Container {
	return &Container{
		id:    uuid.NewString(),
		cfg:   cfg.WithDefaults(),
		opts:  opts,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		conns: make(map[*Conn]struct{}),
	}
}

func (c *Container) ID() string { return c.id }

func (c *Container) Config() Config { return c.cfg }

// LinkName returns a fresh link name scoped to this container.
func (c *Container) LinkName() string {
	return c.id + "/" + uuid.NewString()
}

// NewConn starts a connection over rw.
func (c *Container) NewConn(rw io.ReadWriteCloser) *Conn {
	conn := newConn(rw, c)
	c.mu.Lock()
	c.conns[conn] = struct{}{}
	c.mu.Unlock()
	return conn
}

// Dial connects to addr over TCP, or TLS when configured, retrying with
// backoff up to DialAttempts.
func (c *Container) Dial(ctx context.Context, addr string) (*Conn, error) {
	if err := c.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if c.cfg.TLS.Enabled {
		var err error
		if tlsCfg, err = c.cfg.clientTLSConfig(addr); err != nil {
			return nil, err
		}
	}

	var attempt int
	for {
		attempt++
		rw, err := c.dialOnce(ctx, addr, tlsCfg)
		if err == nil {
			log.Debug().Msgf("transport.Dial addr=%q attempt=%d tls=%t connected", addr, attempt, tlsCfg != nil)
			return c.NewConn(rw), nil
		}
		log.Warn().Msgf("transport.Dial attempt=%d addr=%q err=%v", attempt, addr, err)
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Container) dialOnce(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return raw, nil
	}
	conn := tls.Client(raw, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Container) shouldRetry(attempt int) bool {
	if c.cfg.DialAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.DialAttempts
}

func (c *Container) sleepBackoff(ctx context.Context, attempt int) error {
	c.mu.Lock()
	delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	c.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Serve accepts connections on ln until ctx ends. With TLS enabled ln is
// wrapped so every accepted connection handshakes first.
func (c *Container) Serve(ctx context.Context, ln net.Listener) error {
	if err := c.cfg.ValidateServerTransport(); err != nil {
		_ = ln.Close()
		return err
	}
	if c.cfg.TLS.Enabled {
		tlsCfg, err := c.cfg.serverTLSConfig()
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		log.Debug().Msgf("transport.Serve accepted remote=%s", raw.RemoteAddr())
		c.NewConn(raw)
	}
}

// Close closes every live connection.
func (c *Container) Close() {
	c.mu.Lock()
	conns := make([]*Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (c *Container) untrack(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}
