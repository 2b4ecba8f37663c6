package transport

import (
	"sync"

	"github.com/danmuck/amqpwire/internal/protocol/frame"
	"github.com/danmuck/amqpwire/internal/waitq"
)

// frameQueue is an unbounded FIFO between session writers and the
// connection's write loop. Pushing never blocks.
type frameQueue struct {
	mu     sync.Mutex
	sig    *waitq.Signal
	frames []frame.Frame
	closed bool
}

func newFrameQueue() *frameQueue {
	return &frameQueue{sig: waitq.New()}
}

func (q *frameQueue) push(f frame.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrConnClosed
	}
	q.frames = append(q.frames, f)
	q.sig.Broadcast()
	return nil
}

// popAll blocks until frames are queued or the queue closes, then takes
// everything queued. ok is false once closed and empty.
func (q *frameQueue) popAll() (batch []frame.Frame, ok bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			batch = q.frames
			q.frames = nil
			q.mu.Unlock()
			return batch, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		wake := q.sig.Wait()
		q.mu.Unlock()
		<-wake
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.sig.Broadcast()
}
