package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeliveryPolicySettleModes(t *testing.T) {
	cases := []struct {
		policy DeliveryPolicy
		snd    SndSettleMode
		rcv    RcvSettleMode
	}{
		{AtMostOnce, SndSettled, RcvFirst},
		{AtLeastOnce, SndUnsettled, RcvFirst},
		{ExactlyOnce, SndUnsettled, RcvSecond},
	}
	for _, tc := range cases {
		snd, rcv, err := tc.policy.SettleModes()
		require.NoError(t, err)
		require.Equal(t, tc.snd, snd, tc.policy)
		require.Equal(t, tc.rcv, rcv, tc.policy)
	}
	_, _, err := DeliveryPolicy("sometimes").SettleModes()
	require.Error(t, err)
}

func TestParseDeliveryPolicy(t *testing.T) {
	for raw, want := range map[string]DeliveryPolicy{
		"AtMostOnce":    AtMostOnce,
		"at_least_once": AtLeastOnce,
		" exactly-once": ExactlyOnce,
	} {
		got, err := ParseDeliveryPolicy(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseDeliveryPolicy("twice")
	require.Error(t, err)
}

func TestOutcomeEqual(t *testing.T) {
	require.True(t, OutcomeEqual(nil, nil))
	require.False(t, OutcomeEqual(nil, Accepted()))
	require.True(t, OutcomeEqual(Accepted(), Accepted()))
	require.False(t, OutcomeEqual(Accepted(), Released()))
	require.True(t, OutcomeEqual(Rejected("amqp:decode-error", "bad"), Rejected("amqp:decode-error", "bad")))
	require.False(t, OutcomeEqual(Modified(true, false), Modified(true, true)))
}

func TestParseSettleModes(t *testing.T) {
	snd, err := ParseSndSettleMode("Mixed")
	require.NoError(t, err)
	require.Equal(t, SndMixed, snd)
	rcv, err := ParseRcvSettleMode("second")
	require.NoError(t, err)
	require.Equal(t, RcvSecond, rcv)
	_, err = ParseRcvSettleMode("third")
	require.Error(t, err)
}
