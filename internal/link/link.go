// Package link implements AMQP link state: identity and handles, delivery
// tags, and the flow controllers that govern credit and congestion.
package link

import (
	"encoding/binary"
	"sync"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/rs/zerolog/log"
)

// Options describe a link end at attach time.
type Options struct {
	Name   string
	Handle uint32
	Role   amqp.Role
	Source string
	Target string
	Config Config
}

// Link is one end of an attached link. Exactly one of Sender and Receiver is
// set, matching Role.
type Link struct {
	Name          string
	Handle        uint32
	Role          amqp.Role
	Source        string
	Target        string
	SndSettleMode amqp.SndSettleMode
	RcvSettleMode amqp.RcvSettleMode

	Sender   *SenderFlow
	Receiver *ReceiverFlow

	mu           sync.Mutex
	nextTag      uint64
	remoteHandle uint32
	remoteSet    bool
	done         chan struct{}
	err          error
}

func New(opts Options) *Link {
	cfg := opts.Config.WithDefaults()
	l := &Link{
		Name:          opts.Name,
		Handle:        opts.Handle,
		Role:          opts.Role,
		Source:        opts.Source,
		Target:        opts.Target,
		SndSettleMode: cfg.SndSettleMode,
		RcvSettleMode: cfg.RcvSettleMode,
		done:          make(chan struct{}),
	}
	if opts.Role == amqp.RoleSender {
		l.Sender = NewSenderFlow(opts.Name, cfg.Sender)
	} else {
		l.Receiver = NewReceiverFlow(opts.Name, cfg.Receiver)
	}
	return l
}

// NextTag returns the next delivery tag: an 8-byte big-endian sequence.
func (l *Link) NextTag() []byte {
	l.mu.Lock()
	n := l.nextTag
	l.nextTag++
	l.mu.Unlock()
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, n)
	return tag
}

// Presettled reports whether transfers on this link leave already settled.
func (l *Link) Presettled() bool { return l.SndSettleMode == amqp.SndSettled }

func (l *Link) SetRemoteHandle(h uint32) {
	l.mu.Lock()
	l.remoteHandle = h
	l.remoteSet = true
	l.mu.Unlock()
}

func (l *Link) RemoteHandle() (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteHandle, l.remoteSet
}

// Close detaches the link. Blocked senders and receivers wake with an error
// matching ErrDetached. Only the first call has effect.
func (l *Link) Close(cause error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return
	}
	l.err = Detached(cause)
	close(l.done)
	l.mu.Unlock()

	if l.Sender != nil {
		l.Sender.Close(cause)
	}
	log.Debug().Msgf("link.Close name=%s handle=%d role=%s cause=%v", l.Name, l.Handle, l.Role, cause)
}

func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
