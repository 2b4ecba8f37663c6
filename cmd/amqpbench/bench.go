package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/config"
	"github.com/danmuck/amqpwire/internal/endpoint"
	"github.com/danmuck/amqpwire/internal/message"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/danmuck/amqpwire/internal/transport"
	"github.com/rs/zerolog"
)

const targetAddress = "amqpbench"

type bench struct {
	cfg    transport.Config
	policy amqp.DeliveryPolicy
	count  int
	size   int
	logger zerolog.Logger
}

func newBench(opts *options) (*bench, error) {
	cfg := transport.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	policy, err := amqp.ParseDeliveryPolicy(opts.policy)
	if err != nil {
		return nil, err
	}
	if opts.count < 0 || opts.size < 0 {
		return nil, fmt.Errorf("count and size must not be negative (count=%d size=%d)", opts.count, opts.size)
	}
	return &bench{
		cfg:    cfg,
		policy: policy,
		count:  opts.count,
		size:   opts.size,
		logger: observability.Component("amqpbench"),
	}, nil
}

type result struct {
	Policy    amqp.DeliveryPolicy
	Sent      int
	Acked     int
	Received  int
	Malformed int
	Elapsed   time.Duration
}

func (r result) String() string {
	n := r.Sent
	if n == 0 {
		n = r.Received
	}
	rate := 0.0
	if r.Elapsed > 0 {
		rate = float64(n) / r.Elapsed.Seconds()
	}
	return fmt.Sprintf("policy=%s sent=%d acked=%d received=%d malformed=%d elapsed=%s rate=%.0f/s",
		r.Policy, r.Sent, r.Acked, r.Received, r.Malformed, r.Elapsed.Round(time.Millisecond), rate)
}

// collector accepts every target the peer attaches and counts deliveries.
type collector struct {
	want   int
	logger zerolog.Logger

	mu        sync.Mutex
	received  int
	malformed int
	done      chan struct{}
}

func newCollector(want int, logger zerolog.Logger) *collector {
	return &collector{want: want, logger: logger, done: make(chan struct{})}
}

func (c *collector) attach(tg *endpoint.Target) {
	c.logger.Info().Msgf("amqpbench.Attach link=%s target=%s", tg.Link().Name, tg.Link().Target)
	tg.RegisterReceiver(func(d *endpoint.Delivery) { c.receive(tg, d) })
}

func (c *collector) receive(tg *endpoint.Target, d *endpoint.Delivery) {
	_, decodeErr := message.Decode(d.Payload)
	id, _ := d.DeliveryID()
	if !d.Settled() {
		outcome := amqp.Accepted()
		if decodeErr != nil {
			outcome = amqp.Rejected("amqp:decode-error", decodeErr.Error())
		}
		if err := tg.Acknowledge(d, outcome); err != nil {
			c.logger.Debug().Msgf("amqpbench.Acknowledge delivery=%d err=%v", id, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.received++
	if decodeErr != nil {
		c.malformed++
		c.logger.Warn().Msgf("amqpbench.Receive delivery=%d malformed err=%v", id, decodeErr)
	}
	if c.want > 0 && c.received == c.want {
		close(c.done)
	}
}

// wait blocks until want deliveries arrived. With no target it waits for ctx.
func (c *collector) wait(ctx context.Context) error {
	if c.want <= 0 {
		<-ctx.Done()
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *collector) counts() (received, malformed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received, c.malformed
}

// push opens a sender on s and sends count envelopes, then waits until the
// peer has settled all of them.
func (b *bench) push(ctx context.Context, s *session.Session, name string) (sent, acked int, err error) {
	var ackCount atomic.Int64
	observer := endpoint.ObserverFunc(func(*endpoint.Delivery, *amqp.Outcome) { ackCount.Add(1) })

	linkCfg, err := s.Config().Link.WithPolicy(b.policy)
	if err != nil {
		return 0, 0, err
	}
	src, err := s.OpenSender(ctx, session.LinkOptions{
		Name:     name,
		Target:   targetAddress,
		Config:   &linkCfg,
		Observer: observer,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("open sender: %w", err)
	}

	body := make([]byte, b.size)
	for i := 0; i < b.count; i++ {
		m := message.New(targetAddress, body)
		m.ContentType = "application/octet-stream"
		m.Properties = map[string]string{"seq": strconv.Itoa(i)}
		payload, err := message.Encode(m)
		if err != nil {
			return sent, int(ackCount.Load()), err
		}
		if _, err := src.SendMessage(ctx, payload); err != nil {
			return sent, int(ackCount.Load()), fmt.Errorf("send %d: %w", i, err)
		}
		sent++
	}
	if err := src.WaitSettled(ctx); err != nil {
		return sent, int(ackCount.Load()), fmt.Errorf("wait settled: %w", err)
	}
	return sent, int(ackCount.Load()), nil
}

// runLoopback connects two containers over an in-memory pipe.
func (b *bench) runLoopback(ctx context.Context) (result, error) {
	col := newCollector(b.count, b.logger)
	server := transport.NewContainer(b.cfg, transport.Options{
		Handlers: session.Handlers{OnTarget: col.attach},
	})
	client := transport.NewContainer(b.cfg, transport.Options{})

	left, right := net.Pipe()
	srvConn := server.NewConn(right)
	cliConn := client.NewConn(left)
	defer func() {
		_ = cliConn.Close()
		_ = srvConn.Close()
	}()

	start := time.Now()
	s, err := cliConn.NewSession(ctx)
	if err != nil {
		return result{}, fmt.Errorf("begin session: %w", err)
	}
	sent, acked, err := b.push(ctx, s, client.LinkName())
	if err != nil {
		return result{}, err
	}
	if b.count > 0 {
		if err := col.wait(ctx); err != nil {
			return result{}, err
		}
	}
	received, malformed := col.counts()
	return result{
		Policy:    b.policy,
		Sent:      sent,
		Acked:     acked,
		Received:  received,
		Malformed: malformed,
		Elapsed:   time.Since(start),
	}, nil
}

// listen serves ln until count deliveries arrived or ctx ends.
func (b *bench) listen(ctx context.Context, ln net.Listener) (result, error) {
	col := newCollector(b.count, b.logger)
	server := transport.NewContainer(b.cfg, transport.Options{
		Handlers: session.Handlers{OnTarget: col.attach},
		OnSession: func(s *session.Session) {
			b.logger.Info().Msgf("amqpbench.SessionAccepted channel=%d", s.Channel())
		},
	})

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- server.Serve(serveCtx, ln) }()
	b.logger.Info().Msgf("amqpbench.Listen addr=%s container=%s", ln.Addr(), server.ID())

	start := time.Now()
	waitErr := col.wait(ctx)
	cancel()
	server.Close()
	if err := <-served; err != nil {
		return result{}, err
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return result{}, waitErr
	}
	received, malformed := col.counts()
	return result{
		Policy:    b.policy,
		Received:  received,
		Malformed: malformed,
		Elapsed:   time.Since(start),
	}, nil
}

// send dials addr and pushes count messages.
func (b *bench) send(ctx context.Context, addr string) (result, error) {
	client := transport.NewContainer(b.cfg, transport.Options{})
	conn, err := client.Dial(ctx, addr)
	if err != nil {
		return result{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	start := time.Now()
	s, err := conn.NewSession(ctx)
	if err != nil {
		return result{}, fmt.Errorf("begin session: %w", err)
	}
	sent, acked, err := b.push(ctx, s, client.LinkName())
	if err != nil {
		return result{}, err
	}
	return result{Policy: b.policy, Sent: sent, Acked: acked, Elapsed: time.Since(start)}, nil
}
