package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapprotocol/tap/core"
)

const (
	agentDID      = core.DID("did:key:zAgent")
	originatorDID = core.DID("did:key:zOriginator")
	beneficiary   = core.DID("did:key:zBeneficiary")
	complianceDID = core.DID("did:key:zCompliance")
)

func sampleAgents() core.AgentSet {
	return core.AgentSet{
		originatorDID: {ID: originatorDID, Role: core.RoleOriginator, ForParties: []string{"originator"}},
		beneficiary:   {ID: beneficiary, Role: core.RoleBeneficiary, ForParties: []string{"beneficiary"}},
		complianceDID: {ID: complianceDID, Role: core.RoleCompliance},
	}
}

func sampleParties() map[string]core.Party {
	return map[string]core.Party{
		"originator": {ID: "originator"},
		"beneficiary": {ID: "beneficiary"},
	}
}

func newTestFSM() *FSM {
	clock := int64(1700000000)
	return New(NewStore(), nil, func() int64 { return clock })
}

func TestHappyPathTransferReachesReadyToSettle(t *testing.T) {
	fsm := newTestFSM()
	threadID := "thread-1"

	_, err := fsm.ApplyInitiate(agentDID, threadID, "Transfer", originatorDID, sampleParties(), sampleAgents(), "msg-0")
	require.NoError(t, err)

	rec, change, err := fsm.ApplyAuthorize(agentDID, threadID, originatorDID, nil, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, PartiallyAuthorized, rec.State)

	rec, change, err = fsm.ApplyAuthorize(agentDID, threadID, beneficiary, nil, "msg-2")
	require.NoError(t, err)
	require.Nil(t, change)
	assert.Equal(t, PartiallyAuthorized, rec.State)

	addr := core.SettlementAddress{}
	rec, change, err = fsm.ApplyAuthorize(agentDID, threadID, complianceDID, &addr, "msg-3")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, ReadyToSettle, rec.State)
	assert.Equal(t, ReadyToSettle, change.NewState)

	rec, change, err = fsm.ApplySettle(agentDID, threadID, "settlement-1", "100", "msg-4")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, Settled, rec.State)
}

func TestRejectIsTerminal(t *testing.T) {
	fsm := newTestFSM()
	threadID := "thread-2"
	_, err := fsm.ApplyInitiate(agentDID, threadID, "Payment", originatorDID, sampleParties(), sampleAgents(), "msg-0")
	require.NoError(t, err)

	rec, change, err := fsm.ApplyReject(agentDID, threadID, beneficiary, "not interested", "msg-1")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, Rejected, rec.State)
	assert.True(t, rec.State.Terminal())
}

// TestTerminalStateIsImmutable covers testable property 6: once a record
// reaches a terminal state, further transitions are no-ops recorded as
// anomalies, not state changes.
func TestTerminalStateIsImmutable(t *testing.T) {
	fsm := newTestFSM()
	threadID := "thread-3"
	_, err := fsm.ApplyInitiate(agentDID, threadID, "Transfer", originatorDID, sampleParties(), sampleAgents(), "msg-0")
	require.NoError(t, err)

	_, _, err = fsm.ApplyReject(agentDID, threadID, beneficiary, "no", "msg-1")
	require.NoError(t, err)

	rec, change, err := fsm.ApplyAuthorize(agentDID, threadID, originatorDID, nil, "msg-2")
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.Equal(t, Rejected, rec.State)
	assert.Len(t, rec.Authorizations, 0)
	require.Len(t, rec.Anomalies, 1)

	rec, change, err = fsm.ApplyCancel(agentDID, threadID, originatorDID, "too late", "msg-3")
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.Equal(t, Rejected, rec.State)
	assert.Len(t, rec.Anomalies, 2)
}

// TestCancelRequiresStanding covers testable property 7: only the
// originator/beneficiary or an agent acting for them may cancel.
func TestCancelRequiresStanding(t *testing.T) {
	fsm := newTestFSM()
	threadID := "thread-4"
	_, err := fsm.ApplyInitiate(agentDID, threadID, "Transfer", originatorDID, sampleParties(), sampleAgents(), "msg-0")
	require.NoError(t, err)

	rec, change, err := fsm.ApplyCancel(agentDID, threadID, complianceDID, "no standing", "msg-1")
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.NotEqual(t, Cancelled, rec.State)
	require.Len(t, rec.Anomalies, 1)

	rec, change, err = fsm.ApplyCancel(agentDID, threadID, originatorDID, "changed my mind", "msg-2")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, Cancelled, rec.State)
}

func TestRevertOnlyFromSettled(t *testing.T) {
	fsm := newTestFSM()
	threadID := "thread-5"
	_, err := fsm.ApplyInitiate(agentDID, threadID, "Transfer", originatorDID, sampleParties(), sampleAgents(), "msg-0")
	require.NoError(t, err)

	addr := core.SettlementAddress{}
	rec, change, err := fsm.ApplyRevert(agentDID, threadID, addr, "premature", "msg-1")
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.NotEqual(t, Reverted, rec.State)

	_, _, err = fsm.ApplySettle(agentDID, threadID, "settlement-1", "50", "msg-2")
	require.NoError(t, err)

	rec, change, err = fsm.ApplyRevert(agentDID, threadID, addr, "chargeback", "msg-3")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, Reverted, rec.State)
}

func TestRemoveAgentRejectsAlreadyAuthorized(t *testing.T) {
	fsm := newTestFSM()
	threadID := "thread-6"
	_, err := fsm.ApplyInitiate(agentDID, threadID, "Transfer", originatorDID, sampleParties(), sampleAgents(), "msg-0")
	require.NoError(t, err)

	_, _, err = fsm.ApplyAuthorize(agentDID, threadID, originatorDID, nil, "msg-1")
	require.NoError(t, err)

	rec, err := fsm.ApplyRemoveAgent(agentDID, threadID, originatorDID, "msg-2")
	require.NoError(t, err)
	_, stillPresent := rec.Agents[originatorDID]
	assert.True(t, stillPresent)
	require.Len(t, rec.Anomalies, 1)

	rec, err = fsm.ApplyRemoveAgent(agentDID, threadID, complianceDID, "msg-3")
	require.NoError(t, err)
	_, present := rec.Agents[complianceDID]
	assert.False(t, present)
}

func TestUpdatePoliciesExpandsRequiredRoles(t *testing.T) {
	fsm := newTestFSM()
	threadID := "thread-7"
	agents := core.AgentSet{
		originatorDID: {ID: originatorDID, Role: core.RoleOriginator},
		beneficiary:   {ID: beneficiary, Role: core.RoleBeneficiary},
	}
	escrow := core.DID("did:key:zEscrow")
	agents[escrow] = core.Agent{ID: escrow, Role: core.RoleEscrowAgent}

	_, err := fsm.ApplyInitiate(agentDID, threadID, "Escrow", originatorDID, sampleParties(), agents, "msg-0")
	require.NoError(t, err)

	policies := core.PolicySet{
		core.Policy{
			Tag:      core.PolicyRequireAuthorization,
			FromRole: core.RoleEscrowAgent,
		},
	}
	_, err = fsm.ApplyUpdatePolicies(agentDID, threadID, policies, "msg-1")
	require.NoError(t, err)

	rec, change, err := fsm.ApplyAuthorize(agentDID, threadID, originatorDID, nil, "msg-2")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, PartiallyAuthorized, rec.State)

	_, _, err = fsm.ApplyAuthorize(agentDID, threadID, beneficiary, nil, "msg-3")
	require.NoError(t, err)

	rec, change, err = fsm.ApplyAuthorize(agentDID, threadID, escrow, nil, "msg-4")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, ReadyToSettle, rec.State)
}

func TestDecisionLifecycle(t *testing.T) {
	store := NewDecisionStore()
	now := int64(1700000000)

	d := store.Raise("decision-1", "thread-1", agentDID, AuthorizationRequired, map[string]any{"reason": "manual review"}, now)
	assert.Equal(t, Pending, d.Status)

	require.NoError(t, store.MarkDelivered("decision-1"))
	delivered, ok := store.Get("decision-1")
	require.True(t, ok)
	assert.Equal(t, Delivered, delivered.Status)

	resolved, err := store.Resolve("decision-1", "authorize", now+10)
	require.NoError(t, err)
	assert.Equal(t, Resolved, resolved.Status)
	assert.Equal(t, "authorize", resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = store.Resolve("decision-1", "authorize", now+20)
	assert.Error(t, err)
}

func TestDecisionExpiresWithTerminalTransaction(t *testing.T) {
	store := NewDecisionStore()
	now := int64(1700000000)
	store.Raise("decision-2", "thread-2", agentDID, SettlementRequired, nil, now)

	expired := store.ExpireForThread("thread-2", now+5)
	require.Len(t, expired, 1)
	assert.Equal(t, Expired, expired[0].Status)

	again := store.ExpireForThread("thread-2", now+10)
	assert.Len(t, again, 0)
}
