// Package disposition keeps delivery outcomes as compact id ranges.
//
// A range list is always ascending, non-overlapping and maximally merged:
// two touching ranges are merged whenever they are compatible.
package disposition

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/amqpwire/internal/amqp"
)

var ErrInvalidRanges = errors.New("disposition: invalid ranges")

// Range is a run of delivery ids sharing one settlement state.
type Range struct {
	First   uint64
	Last    uint64
	Settled bool
	Outcome *amqp.Outcome
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d settled=%t outcome=%s]", r.First, r.Last, r.Settled, r.Outcome)
}

// Len is the number of ids covered by r.
func (r Range) Len() uint64 { return r.Last - r.First + 1 }

// Contains reports whether id falls inside r.
func (r Range) Contains(id uint64) bool { return id >= r.First && id <= r.Last }

// IsCompatible reports whether an id with the given state may join r.
func (r Range) IsCompatible(settled bool, outcome *amqp.Outcome) bool {
	return r.Settled == settled && amqp.OutcomeEqual(r.Outcome, outcome)
}

func (r Range) compatibleWith(o Range) bool {
	return r.IsCompatible(o.Settled, o.Outcome)
}

// Add records id with the given state and returns the updated list. A later
// state for an id already present replaces the earlier one.
func Add(ranges []Range, id uint64, settled bool, outcome *amqp.Outcome) []Range {
	i := search(ranges, id)
	if i < len(ranges) && ranges[i].Contains(id) {
		if ranges[i].IsCompatible(settled, outcome) {
			return ranges
		}
		ranges = carve(ranges, i, id)
		i = search(ranges, id)
	}
	single := Range{First: id, Last: id, Settled: settled, Outcome: outcome}

	joinLeft := i > 0 && ranges[i-1].Last+1 == id && ranges[i-1].compatibleWith(single)
	joinRight := i < len(ranges) && id+1 == ranges[i].First && ranges[i].compatibleWith(single)
	switch {
	case joinLeft && joinRight:
		ranges[i-1].Last = ranges[i].Last
		return append(ranges[:i], ranges[i+1:]...)
	case joinLeft:
		ranges[i-1].Last = id
		return ranges
	case joinRight:
		ranges[i].First = id
		return ranges
	}
	ranges = append(ranges, Range{})
	copy(ranges[i+1:], ranges[i:])
	ranges[i] = single
	return ranges
}

// search returns the index of the first range whose Last >= id.
func search(ranges []Range, id uint64) int {
	lo, hi := 0, len(ranges)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if ranges[mid].Last < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// carve removes id from ranges[i], splitting it when id is interior.
func carve(ranges []Range, i int, id uint64) []Range {
	r := ranges[i]
	switch {
	case r.First == id && r.Last == id:
		return append(ranges[:i], ranges[i+1:]...)
	case r.First == id:
		ranges[i].First = id + 1
		return ranges
	case r.Last == id:
		ranges[i].Last = id - 1
		return ranges
	}
	left := r
	left.Last = id - 1
	right := r
	right.First = id + 1
	ranges = append(ranges, Range{})
	copy(ranges[i+2:], ranges[i+1:])
	ranges[i] = left
	ranges[i+1] = right
	return ranges
}

// Validate checks that ranges are well formed, ascending and non-overlapping.
func Validate(ranges []Range) error {
	for i, r := range ranges {
		if r.First > r.Last {
			return fmt.Errorf("%w: range %d first=%d > last=%d", ErrInvalidRanges, i, r.First, r.Last)
		}
		if !r.Outcome.Valid() {
			return fmt.Errorf("%w: range %d unknown outcome %s", ErrInvalidRanges, i, r.Outcome)
		}
		if i > 0 && ranges[i-1].Last >= r.First {
			return fmt.Errorf("%w: range %d overlaps or is out of order", ErrInvalidRanges, i)
		}
	}
	return nil
}

// Merged reports whether no two touching ranges are compatible.
func Merged(ranges []Range) bool {
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Last+1 == ranges[i].First && ranges[i-1].compatibleWith(ranges[i]) {
			return false
		}
	}
	return true
}

// Tracker is a lock-protected range list used to batch outgoing dispositions.
type Tracker struct {
	mu     sync.Mutex
	ranges []Range
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Add(id uint64, settled bool, outcome *amqp.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = Add(t.ranges, id, settled, outcome)
	if err := Validate(t.ranges); err != nil || !Merged(t.ranges) {
		panic(fmt.Sprintf("disposition: tracker invariant broken after add id=%d: %v", id, t.ranges))
	}
}

// AddRange records every id in [first, last] with one state. An inverted
// range records nothing.
func (t *Tracker) AddRange(first, last uint64, settled bool, outcome *amqp.Outcome) {
	if first > last {
		return
	}
	for id := first; ; id++ {
		t.Add(id, settled, outcome)
		if id == last {
			return
		}
	}
}

// Ranges returns a copy of the tracked ranges.
func (t *Tracker) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Range, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// Drain returns the tracked ranges and resets the tracker.
func (t *Tracker) Drain() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.ranges
	t.ranges = nil
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranges)
}
