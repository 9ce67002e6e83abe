package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapprotocol/tap/statemachine"
)

func fixedNow(ts int64) func() int64 { return func() int64 { return ts } }

func TestDecisionStateHandlerResolvesAuthorizationOnPartialAuthorization(t *testing.T) {
	store := statemachine.NewDecisionStore()
	store.Raise("d1", "thread-1", "did:key:zAgent", statemachine.AuthorizationRequired, nil, 1700000000)

	handler := DecisionStateHandler(store, fixedNow(1700000010))
	handler(NodeEvent{
		Kind: TransactionStateChange,
		StateChange: &statemachine.StateChange{
			ThreadID: "thread-1",
			OldState: statemachine.Received,
			NewState: statemachine.PartiallyAuthorized,
		},
	})

	d, ok := store.Get("d1")
	require.True(t, ok)
	assert.Equal(t, statemachine.Resolved, d.Status)
	assert.Equal(t, "authorize", d.Resolution)
}

func TestDecisionStateHandlerResolvesSettlementAndExpiresRest(t *testing.T) {
	store := statemachine.NewDecisionStore()
	store.Raise("settle-1", "thread-2", "did:key:zAgent", statemachine.SettlementRequired, nil, 1700000000)
	store.Raise("auth-1", "thread-2", "did:key:zAgent", statemachine.AuthorizationRequired, nil, 1700000000)

	handler := DecisionStateHandler(store, fixedNow(1700000020))
	handler(NodeEvent{
		Kind: TransactionStateChange,
		StateChange: &statemachine.StateChange{
			ThreadID: "thread-2",
			OldState: statemachine.ReadyToSettle,
			NewState: statemachine.Settled,
		},
	})

	settle, ok := store.Get("settle-1")
	require.True(t, ok)
	assert.Equal(t, statemachine.Resolved, settle.Status)
	assert.Equal(t, "settle", settle.Resolution)

	auth, ok := store.Get("auth-1")
	require.True(t, ok)
	assert.Equal(t, statemachine.Expired, auth.Status)
}

func TestDecisionStateHandlerExpiresOnRejected(t *testing.T) {
	store := statemachine.NewDecisionStore()
	store.Raise("d1", "thread-3", "did:key:zAgent", statemachine.AuthorizationRequired, nil, 1700000000)

	handler := DecisionStateHandler(store, fixedNow(1700000030))
	handler(NodeEvent{
		Kind: TransactionStateChange,
		StateChange: &statemachine.StateChange{
			ThreadID: "thread-3",
			OldState: statemachine.Received,
			NewState: statemachine.Rejected,
		},
	})

	d, ok := store.Get("d1")
	require.True(t, ok)
	assert.Equal(t, statemachine.Expired, d.Status)
}

func TestDecisionStateHandlerIgnoresOtherKinds(t *testing.T) {
	store := statemachine.NewDecisionStore()
	handler := DecisionStateHandler(store, fixedNow(0))
	handler(NodeEvent{Kind: AgentRegistered})
}
