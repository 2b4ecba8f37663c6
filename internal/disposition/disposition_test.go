package disposition

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/stretchr/testify/require"
)

func TestAddCoalescesCompatibleIDs(t *testing.T) {
	var ranges []Range
	for _, id := range []uint64{1, 2, 3} {
		ranges = Add(ranges, id, true, amqp.Accepted())
	}
	require.Len(t, ranges, 1)
	require.Equal(t, uint64(1), ranges[0].First)
	require.Equal(t, uint64(3), ranges[0].Last)
	require.True(t, ranges[0].Settled)
}

func TestAddDistinctStatesStaySeparate(t *testing.T) {
	var ranges []Range
	ranges = Add(ranges, 1, false, nil)
	ranges = Add(ranges, 1, true, amqp.Accepted())
	ranges = Add(ranges, 2, true, amqp.Released())
	require.Len(t, ranges, 2)
	require.Equal(t, Range{First: 1, Last: 1, Settled: true, Outcome: amqp.Accepted()}, ranges[0])
	require.Equal(t, Range{First: 2, Last: 2, Settled: true, Outcome: amqp.Released()}, ranges[1])
}

func TestIsCompatible(t *testing.T) {
	r := Range{First: 1, Last: 1, Settled: false, Outcome: nil}
	require.True(t, r.IsCompatible(false, nil))
	require.False(t, r.IsCompatible(true, nil))
	require.False(t, r.IsCompatible(false, amqp.Accepted()))

	accepted := Range{First: 4, Last: 9, Settled: true, Outcome: amqp.Accepted()}
	require.True(t, accepted.IsCompatible(true, &amqp.Outcome{Kind: amqp.KindAccepted}))
	require.False(t, accepted.IsCompatible(true, amqp.Rejected("x", "")))
}

func TestAddOutOfOrderBridgesGap(t *testing.T) {
	var ranges []Range
	ranges = Add(ranges, 5, true, nil)
	ranges = Add(ranges, 1, true, nil)
	ranges = Add(ranges, 3, true, nil)
	require.Len(t, ranges, 3)
	ranges = Add(ranges, 2, true, nil)
	require.Len(t, ranges, 2)
	ranges = Add(ranges, 4, true, nil)
	require.Equal(t, []Range{{First: 1, Last: 5, Settled: true}}, ranges)
}

func TestAddSplitsInteriorID(t *testing.T) {
	var ranges []Range
	for id := uint64(10); id <= 14; id++ {
		ranges = Add(ranges, id, true, amqp.Accepted())
	}
	ranges = Add(ranges, 12, true, amqp.Released())
	require.Equal(t, []Range{
		{First: 10, Last: 11, Settled: true, Outcome: amqp.Accepted()},
		{First: 12, Last: 12, Settled: true, Outcome: amqp.Released()},
		{First: 13, Last: 14, Settled: true, Outcome: amqp.Accepted()},
	}, ranges)

	ranges = Add(ranges, 12, true, amqp.Accepted())
	require.Equal(t, []Range{{First: 10, Last: 14, Settled: true, Outcome: amqp.Accepted()}}, ranges)
}

func TestAddRandomOrderKeepsInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	outcomes := []*amqp.Outcome{nil, amqp.Accepted(), amqp.Released()}
	var ranges []Range
	for i := 0; i < 2000; i++ {
		id := uint64(rng.Intn(200))
		ranges = Add(ranges, id, rng.Intn(2) == 0, outcomes[rng.Intn(len(outcomes))])
		require.NoError(t, Validate(ranges))
		require.True(t, Merged(ranges), "not merged: %v", ranges)
	}
}

func TestValidateRejectsMalformedBatches(t *testing.T) {
	require.NoError(t, Validate(nil))
	require.NoError(t, Validate([]Range{{First: 1, Last: 2}, {First: 4, Last: 4}}))
	require.ErrorIs(t, Validate([]Range{{First: 3, Last: 2}}), ErrInvalidRanges)
	require.ErrorIs(t, Validate([]Range{{First: 1, Last: 5}, {First: 5, Last: 6}}), ErrInvalidRanges)
	require.ErrorIs(t, Validate([]Range{{First: 7, Last: 8}, {First: 1, Last: 2}}), ErrInvalidRanges)
	require.ErrorIs(t, Validate([]Range{{First: 1, Last: 1, Outcome: &amqp.Outcome{Kind: 0x99}}}), ErrInvalidRanges)
}

func TestTrackerDrain(t *testing.T) {
	tr := NewTracker()
	tr.AddRange(3, 6, true, amqp.Accepted())
	tr.Add(8, true, amqp.Accepted())
	require.Equal(t, 2, tr.Len())
	require.Equal(t, tr.Ranges(), tr.Drain())
	require.Equal(t, 0, tr.Len())
	require.Empty(t, tr.Drain())
}

func TestTrackerAddRangeInverted(t *testing.T) {
	tr := NewTracker()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.AddRange(6, 3, true, amqp.Accepted())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddRange did not return for first > last")
	}
	require.Zero(t, tr.Len())

	tr.AddRange(4, 4, true, amqp.Accepted())
	require.Equal(t, []Range{{First: 4, Last: 4, Settled: true, Outcome: amqp.Accepted()}}, tr.Ranges())
}
