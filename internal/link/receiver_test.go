package link

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSteadyStateTopsUpBelowThreshold(t *testing.T) {
	f := NewReceiverFlow("steady", ReceiverConfig{Policy: CreditSteadyState, MinCreditThreshold: 5, CreditBoost: 10})

	st, grant := f.Initial()
	require.True(t, grant)
	require.EqualValues(t, 10, st.LinkCredit)

	for i := 0; i < 5; i++ {
		_, grant, err := f.OnTransfer()
		require.NoError(t, err)
		require.False(t, grant, "transfer %d", i)
	}
	st, grant, err := f.OnTransfer()
	require.NoError(t, err)
	require.True(t, grant)
	require.EqualValues(t, 14, st.LinkCredit)
	require.EqualValues(t, 6, st.DeliveryCount)
}

func TestOfferedByTargetGrantsOnRequest(t *testing.T) {
	f := NewReceiverFlow("offered", ReceiverConfig{Policy: CreditOfferedByTarget, CreditBoost: 10})

	_, grant := f.Initial()
	require.False(t, grant)

	_, _, err := f.OnTransfer()
	require.ErrorIs(t, err, ErrCreditExceeded)

	st := f.Request(1)
	require.EqualValues(t, 1, st.LinkCredit)
	_, grant, err = f.OnTransfer()
	require.NoError(t, err)
	require.False(t, grant)
	require.EqualValues(t, 0, f.Credit())
}

func TestAsDemandedBySenderGrantsAvailable(t *testing.T) {
	f := NewReceiverFlow("demand", ReceiverConfig{Policy: CreditAsDemandedBySender, CreditBoost: 10})

	_, grant := f.Initial()
	require.False(t, grant)

	st, grant := f.OnSenderFlow(FlowState{Available: 3})
	require.True(t, grant)
	require.EqualValues(t, 3, st.LinkCredit)

	// outstanding credit suppresses another grant
	_, grant = f.OnSenderFlow(FlowState{Available: 3})
	require.False(t, grant)

	for i := 0; i < 3; i++ {
		_, _, err := f.OnTransfer()
		require.NoError(t, err)
	}
	st, grant = f.OnSenderFlow(FlowState{DeliveryCount: 3, Available: 50})
	require.True(t, grant)
	require.EqualValues(t, 10, st.LinkCredit, "grant is capped at the boost")
}

func TestOnSenderFlowAppliesDrain(t *testing.T) {
	f := NewReceiverFlow("drain", ReceiverConfig{Policy: CreditOfferedByTarget, CreditBoost: 10})
	f.Request(5)

	_, grant := f.OnSenderFlow(FlowState{DeliveryCount: 5})
	require.False(t, grant)
	require.EqualValues(t, 0, f.Credit())
	require.EqualValues(t, 5, f.State().DeliveryCount)
}

func TestParseCreditPolicy(t *testing.T) {
	cases := map[string]CreditPolicy{
		"steady-state":                 CreditSteadyState,
		"CREDIT_OFFERED_BY_TARGET":     CreditOfferedByTarget,
		"credit_as_demanded_by_sender": CreditAsDemandedBySender,
	}
	for raw, want := range cases {
		got, err := ParseCreditPolicy(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got)
	}
	_, err := ParseCreditPolicy("greedy")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
