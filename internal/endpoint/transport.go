package endpoint

import (
	"context"
	"errors"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/link"
	"github.com/danmuck/amqpwire/internal/protocol/performative"
)

// ErrWindowTimeout is returned by SendTransfer when the session outgoing
// window stayed closed for a whole wait period. Nothing was sent; the call
// may be retried.
var ErrWindowTimeout = errors.New("endpoint: session window wait timed out")

// Transport is the session surface endpoints send through.
type Transport interface {
	// SendTransfer writes t on the link, blocking while the session outgoing
	// window is closed. assigned runs with the delivery id before the frame
	// is written so the caller can track it ahead of any disposition.
	SendTransfer(ctx context.Context, l *link.Link, t performative.Transfer, assigned func(deliveryID uint64)) (uint64, error)
	// QueueDisposition records a settlement for the next flush. Adjacent
	// compatible ids coalesce into one range.
	QueueDisposition(role amqp.Role, id uint64, settled bool, outcome *amqp.Outcome)
	FlushDispositions() error
	SendFlow(l *link.Link, st link.FlowState) error
}

// Observer is told about deliveries the consumer has settled.
type Observer interface {
	MessageAckedByConsumer(d *Delivery, outcome *amqp.Outcome)
}

type ObserverFunc func(d *Delivery, outcome *amqp.Outcome)

func (f ObserverFunc) MessageAckedByConsumer(d *Delivery, outcome *amqp.Outcome) { f(d, outcome) }
