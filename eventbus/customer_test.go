package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapprotocol/tap/core"
)

func transferMessage(t *testing.T, originator, beneficiary core.Party, agents []core.Agent) *core.PlainMessage {
	t.Helper()
	body := core.Transfer{
		TransactionID: "tx-1",
		Asset:         "eip155:1/slip44:60",
		Originator:    originator,
		Beneficiary:   &beneficiary,
		Amount:        "10",
		Agents:        agents,
	}
	m, err := core.ToPlainMessage(body, agents[0].ID, nil, "msg-1", 1700000000)
	require.NoError(t, err)
	return m
}

func TestCustomerEventHandlerUpsertsPartiesAndAgentLinks(t *testing.T) {
	store := NewCustomerStore()
	handler := CustomerEventHandler(store)

	originator := core.Party{ID: "did:key:zOriginator", Metadata: map[string]string{"name": "Alice"}}
	beneficiary := core.Party{ID: "did:key:zBeneficiary", Metadata: map[string]string{"name": "Bob"}}
	agentDID := core.DID("did:key:zAgent")
	agents := []core.Agent{{ID: agentDID, Role: core.RoleOriginator, ForParties: []string{originator.ID}}}

	msg := transferMessage(t, originator, beneficiary, agents)

	handler(NodeEvent{Kind: MessageReceived, Message: msg, AgentDID: agentDID, At: 1700000000})

	rec, ok := store.Get(originator.ID)
	require.True(t, ok)
	assert.Equal(t, "Alice", rec.Metadata["name"])

	rec, ok = store.Get(beneficiary.ID)
	require.True(t, ok)
	assert.Equal(t, "Bob", rec.Metadata["name"])

	assert.True(t, store.ActsFor(agentDID, originator.ID))
}

func TestCustomerEventHandlerIgnoresUnrelatedMessageTypes(t *testing.T) {
	store := NewCustomerStore()
	handler := CustomerEventHandler(store)

	msg := &core.PlainMessage{ID: "m1", Type: core.TrustPing{}.MessageType(), From: "did:key:zA"}
	handler(NodeEvent{Kind: MessageReceived, Message: msg})

	_, ok := store.Get("did:key:zA")
	assert.False(t, ok)
}

func TestCustomerEventHandlerIgnoresNonMessageEvents(t *testing.T) {
	store := NewCustomerStore()
	handler := CustomerEventHandler(store)
	handler(NodeEvent{Kind: AgentRegistered})
	assert.Len(t, store.customers, 0)
}
