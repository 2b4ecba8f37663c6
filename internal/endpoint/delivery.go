// Package endpoint implements the settlement side of links: a Source that
// tracks its unsettled deliveries and a Target that decides when to settle
// what it receives.
package endpoint

import (
	"sort"
	"sync"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/waitq"
)

// Delivery is one message moving across a link.
type Delivery struct {
	Tag     []byte
	Payload []byte

	mu       sync.Mutex
	id       uint64
	assigned bool
	settled  bool
	outcome  *amqp.Outcome
	err      error
	done     chan struct{}
}

func newDelivery(tag, payload []byte) *Delivery {
	return &Delivery{Tag: tag, Payload: payload, done: make(chan struct{})}
}

// DeliveryID returns the session delivery id and whether one has been
// assigned yet. A source delivery gets its id when its first transfer frame
// is written, which may be after SendMessage returns.
func (d *Delivery) DeliveryID() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id, d.assigned
}

func (d *Delivery) assign(id uint64) {
	d.mu.Lock()
	d.id = id
	d.assigned = true
	d.mu.Unlock()
}

func (d *Delivery) key() uint64 {
	id, _ := d.DeliveryID()
	return id
}

// Settled reports whether the delivery has been settled locally.
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Outcome is the terminal outcome, nil while unknown or when presettled.
func (d *Delivery) Outcome() *amqp.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

// Err is set when the delivery was abandoned before settling.
func (d *Delivery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Done closes once the delivery is settled or abandoned.
func (d *Delivery) Done() <-chan struct{} { return d.done }

func (d *Delivery) settle(outcome *amqp.Outcome) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled || d.err != nil {
		return false
	}
	d.settled = true
	d.outcome = outcome
	close(d.done)
	return true
}

func (d *Delivery) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled || d.err != nil {
		return
	}
	d.err = err
	close(d.done)
}

// unsettledTable stores deliveries awaiting settlement by delivery id.
type unsettledTable struct {
	mu    sync.Mutex
	items map[uint64]*Delivery
	sig   *waitq.Signal
}

func newUnsettledTable() *unsettledTable {
	return &unsettledTable{
		items: make(map[uint64]*Delivery),
		sig:   waitq.New(),
	}
}

func (u *unsettledTable) Upsert(d *Delivery) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.items[d.key()] = d
}

func (u *unsettledTable) Get(id uint64) (*Delivery, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.items[id]
	return d, ok
}

func (u *unsettledTable) Remove(id uint64) (*Delivery, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.items[id]
	if ok {
		delete(u.items, id)
		u.sig.Broadcast()
	}
	return d, ok
}

// RemoveRange removes every tracked id in [first, last], ascending.
func (u *unsettledTable) RemoveRange(first, last uint64) []*Delivery {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*Delivery
	if last-first < uint64(len(u.items)) {
		for id := first; ; id++ {
			if d, ok := u.items[id]; ok {
				out = append(out, d)
				delete(u.items, id)
			}
			if id == last {
				break
			}
		}
	} else {
		for id, d := range u.items {
			if id >= first && id <= last {
				out = append(out, d)
				delete(u.items, id)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	}
	if len(out) > 0 {
		u.sig.Broadcast()
	}
	return out
}

func (u *unsettledTable) IDs() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]uint64, 0, len(u.items))
	for id := range u.items {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Drain empties the table and returns what it held, ascending.
func (u *unsettledTable) Drain() []*Delivery {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Delivery, 0, len(u.items))
	for _, d := range u.items {
		out = append(out, d)
	}
	u.items = make(map[uint64]*Delivery)
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	u.sig.Broadcast()
	return out
}

func (u *unsettledTable) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.items)
}

// wait returns a channel closed by the next removal and the current size.
func (u *unsettledTable) wait() (<-chan struct{}, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sig.Wait(), len(u.items)
}
