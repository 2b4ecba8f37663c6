package transport

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/endpoint"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/protocol/session"
	"github.com/stretchr/testify/require"
)

// sink collects payloads delivered to a target in arrival order.
type sink struct {
	mu   sync.Mutex
	seen []uint32
	want int
	done chan struct{}
}

func newSink(want int) *sink {
	return &sink{want: want, done: make(chan struct{})}
}

func (s *sink) add(d *endpoint.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, binary.BigEndian.Uint32(d.Payload))
	if len(s.seen) == s.want {
		close(s.done)
	}
}

func (s *sink) wait(t *testing.T, timeout time.Duration) []uint32 {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.mu.Lock()
		n := len(s.seen)
		s.mu.Unlock()
		t.Fatalf("received %d of %d deliveries", n, s.want)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.seen...)
}

func payload(i int, size int) []byte {
	if size < 4 {
		size = 4
	}
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b, uint32(i))
	return b
}

func pipePair(t *testing.T, cfg Config, serverOpts Options) (*Container, *Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	client := NewContainer(cfg, Options{})
	server := NewContainer(cfg, serverOpts)
	ca := client.NewConn(a)
	cb := server.NewConn(b)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return client, ca, cb
}

func openSender(t *testing.T, client *Container, conn *Conn, policy amqp.DeliveryPolicy) *endpoint.Source {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := conn.NewSession(ctx)
	require.NoError(t, err)

	cfg, err := s.Config().Link.WithPolicy(policy)
	require.NoError(t, err)
	src, err := s.OpenSender(ctx, session.LinkOptions{Name: client.LinkName(), Target: "queue", Config: &cfg})
	require.NoError(t, err)
	return src
}

func sendAll(t *testing.T, src *endpoint.Source, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := src.SendMessage(context.Background(), payload(i, size))
		require.NoError(t, err)
	}
}

func requireInOrder(t *testing.T, seen []uint32) {
	t.Helper()
	for i, v := range seen {
		require.EqualValues(t, i, v, "delivery order broken at %d", i)
	}
}

func TestSessionBeginOverPipe(t *testing.T) {
	accepted := make(chan *session.Session, 1)
	_, ca, _ := pipePair(t, DefaultConfig(), Options{OnSession: func(s *session.Session) { accepted <- s }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := ca.NewSession(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StateMapped, s.State())

	select {
	case remote := <-accepted:
		require.Eventually(t, func() bool { return remote.State() == session.StateMapped }, 2*time.Second, 5*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("peer session not accepted")
	}
}

func TestSustainedLoadWithSmallWindow(t *testing.T) {
	const total = 2000
	cfg := DefaultConfig()
	cfg.Session.IncomingWindow = 8
	cfg.Session.LowWater = 4
	cfg.Session.WindowWait = 2 * time.Second

	got := newSink(total)
	client, ca, _ := pipePair(t, cfg, Options{Handlers: session.Handlers{
		OnTarget: func(tg *endpoint.Target) { tg.RegisterReceiver(got.add) },
	}})
	src := openSender(t, client, ca, amqp.AtLeastOnce)

	go sendAll(t, src, total, 64)

	requireInOrder(t, got.wait(t, 20*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, src.WaitSettled(ctx))
	require.Empty(t, src.Unsettled())
}

func TestExactlyOnceOverPipe(t *testing.T) {
	const total = 200
	got := newSink(total)
	var (
		mu     sync.Mutex
		target *endpoint.Target
	)
	client, ca, _ := pipePair(t, DefaultConfig(), Options{Handlers: session.Handlers{
		OnTarget: func(tg *endpoint.Target) {
			mu.Lock()
			target = tg
			mu.Unlock()
			tg.RegisterReceiver(func(d *endpoint.Delivery) {
				got.add(d)
				if err := tg.Acknowledge(d, amqp.Accepted()); err != nil {
					t.Errorf("acknowledge: %v", err)
				}
			})
		},
	}})
	src := openSender(t, client, ca, amqp.ExactlyOnce)
	sendAll(t, src, total, 16)

	requireInOrder(t, got.wait(t, 10*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, src.WaitSettled(ctx))

	mu.Lock()
	tg := target
	mu.Unlock()
	require.Eventually(t, func() bool { return len(tg.Unsettled()) == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestAtMostOnceOverPipe(t *testing.T) {
	const total = 300
	got := newSink(total)
	client, ca, _ := pipePair(t, DefaultConfig(), Options{Handlers: session.Handlers{
		OnTarget: func(tg *endpoint.Target) { tg.RegisterReceiver(got.add) },
	}})
	src := openSender(t, client, ca, amqp.AtMostOnce)
	sendAll(t, src, total, 8)

	requireInOrder(t, got.wait(t, 10*time.Second))
	require.Empty(t, src.Unsettled())
}

func TestOfferedByTargetPullOverPipe(t *testing.T) {
	targets := make(chan *endpoint.Target, 1)
	cfg := DefaultConfig()
	cfg.Session.Link.Receiver.Policy = link.CreditOfferedByTarget
	client, ca, _ := pipePair(t, cfg, Options{Handlers: session.Handlers{
		OnTarget: func(tg *endpoint.Target) { targets <- tg },
	}})
	src := openSender(t, client, ca, amqp.AtLeastOnce)
	sendAll(t, src, 3, 4)

	tg := <-targets
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		d, err := tg.GetMessage(ctx)
		require.NoError(t, err)
		require.EqualValues(t, i, binary.BigEndian.Uint32(d.Payload))
	}
	require.NoError(t, src.WaitSettled(ctx))
}

func TestCloseEndsPeerSessions(t *testing.T) {
	accepted := make(chan *session.Session, 1)
	_, ca, cb := pipePair(t, DefaultConfig(), Options{OnSession: func(s *session.Session) { accepted <- s }})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := ca.NewSession(ctx)
	require.NoError(t, err)
	remote := <-accepted

	require.NoError(t, ca.Close())
	require.ErrorIs(t, s.Err(), session.ErrSessionEnded)

	select {
	case <-remote.Done():
		require.ErrorIs(t, remote.Err(), session.ErrSessionEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("peer session not ended")
	}
	select {
	case <-cb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer connection not closed")
	}
}

func TestMalformedHeaderClosesConn(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewContainer(DefaultConfig(), Options{}).NewConn(a)

	// data offset 1 is below the minimum
	go func() { _, _ = b.Write([]byte{0, 0, 0, 8, 1, 0, 0, 0}) }()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	require.ErrorIs(t, conn.Err(), frame.ErrMalformedHeader)
	require.ErrorIs(t, conn.Err(), ErrConnClosed)
}

func TestSASLFrameRejected(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewContainer(DefaultConfig(), Options{}).NewConn(a)

	go func() {
		_, _ = b.Write(frame.EncodeFrame(frame.Frame{Type: frame.TypeSASL, Body: []byte{1}}))
	}()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	require.ErrorIs(t, conn.Err(), ErrUnsupportedFrame)
}

func TestHeartbeatIgnored(t *testing.T) {
	a, b := net.Pipe()
	conn := NewContainer(DefaultConfig(), Options{}).NewConn(a)
	defer conn.Close()

	_, err := b.Write(frame.Encode(0, nil))
	require.NoError(t, err)
	select {
	case <-conn.Done():
		t.Fatalf("heartbeat closed the connection: %v", conn.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFrameOnUnknownChannel(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewContainer(DefaultConfig(), Options{}).NewConn(a)

	go func() { _, _ = b.Write(frame.Encode(7, []byte{0x17})) }()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	require.ErrorIs(t, conn.Err(), ErrUnknownChannel)
}

func TestDialAndServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan *session.Session, 1)
	server := NewContainer(DefaultConfig(), Options{OnSession: func(s *session.Session) { accepted <- s }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, ln) }()

	client := NewContainer(DefaultConfig(), Options{})
	conn, err := client.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.NewSession(ctx)
	require.NoError(t, err)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept a session")
	}
	client.Close()
	server.Close()
	cancel()
	require.NoError(t, <-served)
}

func TestDialGivesUpAfterAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.DialAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
	_, err = NewContainer(cfg, Options{}).Dial(context.Background(), addr)
	require.Error(t, err)
}

func TestLinkNamesAreContainerScoped(t *testing.T) {
	c := NewContainer(DefaultConfig(), Options{})
	a, b := c.LinkName(), c.LinkName()
	require.NotEqual(t, a, b)
	require.Contains(t, a, c.ID()+"/")
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	require.Equal(t, 250*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	require.Equal(t, 500*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	require.Equal(t, time.Second, NextBackoffDelay(cfg, 3, nil))
	require.Equal(t, 5*time.Second, NextBackoffDelay(cfg, 6, nil))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig().WithDefaults()
	require.NoError(t, cfg.Validate())
	cfg.Frame.MaxFrameSize = 100
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
