package statemachine

import (
	"time"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/pkg/errs"
)

// RequiredRoleFunc decides which agent roles must authorize before a
// transaction can reach ReadyToSettle, per spec.md §9's Open Question:
// "the required-role predicate is injectable." The default
// (DefaultRequiredRoles) requires every agent whose role is in a fixed role
// set, whichever parties it acts for.
type RequiredRoleFunc func(r *AgentTransactionRecord) []string

// DefaultRequiredRoles requires all agents with role in
// {originator, beneficiary, settlementAddress, compliance} to have
// authorized, per spec.md §4.7's transition table, further expanded by any
// roles UpdatePolicies has added via RequireAuthorization.from_role.
func DefaultRequiredRoles(r *AgentTransactionRecord) []string {
	base := map[string]bool{
		core.RoleOriginator:        true,
		core.RoleBeneficiary:       true,
		core.RoleSettlementAddress: true,
		core.RoleCompliance:        true,
	}
	for _, role := range r.Policies.RequiredRoles() {
		base[role] = true
	}
	out := make([]string, 0, len(base))
	for role := range base {
		out = append(out, role)
	}
	return out
}

// StateChange is emitted on every state transition, per spec.md §4.7:
// "On every state change, publish TransactionStateChanged{...}".
type StateChange struct {
	ThreadID string
	OldState State
	NewState State
	AgentDID core.DID
}

// FSM applies transition-table events to records, per spec.md §4.7.
type FSM struct {
	Store        *Store
	RequiredRole RequiredRoleFunc
	Now          func() int64
}

// New constructs an FSM. A nil requiredRole defaults to
// DefaultRequiredRoles; a nil now defaults to a millisecond wall clock.
func New(store *Store, requiredRole RequiredRoleFunc, now func() int64) *FSM {
	if requiredRole == nil {
		requiredRole = DefaultRequiredRoles
	}
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &FSM{Store: store, RequiredRole: requiredRole, Now: now}
}

func requiredAgentsAuthorized(r *AgentTransactionRecord, roles []string) bool {
	required := map[string]bool{}
	for _, role := range roles {
		required[role] = true
	}
	for did, agent := range r.Agents {
		if !required[agent.Role] {
			continue
		}
		if _, ok := r.Authorizations[did]; !ok {
			return false
		}
	}
	return true
}

// ApplyInitiate creates a fresh record for an initiating Transfer/Payment/
// Escrow message, per spec.md §4.7's "Initiating message" rule. Initiating
// a thread that already has a record for this agent returns that record
// unchanged, with no error.
func (m *FSM) ApplyInitiate(agentDID core.DID, threadID, txType string, initiator core.DID, parties map[string]core.Party, agents core.AgentSet, firstMessageID string) (*AgentTransactionRecord, error) {
	const op = "statemachine.FSM.ApplyInitiate"
	return m.Store.WithLock(agentDID, threadID, func(existing *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if existing != nil {
			return existing, nil
		}
		return NewRecord(threadID, txType, initiator, parties, agents, firstMessageID, m.Now()), nil
	})
}

func notFound(op string, agentDID core.DID, threadID string) error {
	return errs.New(errs.State, op, "no record for agent "+string(agentDID)+" thread "+threadID)
}

// ApplyAuthorize records an agent's authorization, per spec.md §4.7.
// Returns the updated record and the StateChange if state moved, or a nil
// change if the record was already terminal (the observation is logged as
// an anomaly, not an error, per spec.md §7).
func (m *FSM) ApplyAuthorize(agentDID core.DID, threadID string, by core.DID, settlementAddr *core.SettlementAddress, messageID string) (*AgentTransactionRecord, *StateChange, error) {
	const op = "statemachine.FSM.ApplyAuthorize"
	var change *StateChange
	rec, err := m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("Authorize received after terminal state " + string(r.State))
			return r, nil
		}
		old := r.State
		r.Authorizations[by] = Authorization{AuthorizedAt: m.Now(), SettlementAddress: settlementAddr}
		if requiredAgentsAuthorized(r, m.RequiredRole(r)) {
			r.State = ReadyToSettle
		} else {
			r.State = PartiallyAuthorized
		}
		if r.State != old {
			change = &StateChange{ThreadID: threadID, OldState: old, NewState: r.State, AgentDID: agentDID}
		}
		return r, nil
	})
	return rec, change, err
}

// ApplyReject records a rejection, terminal, per spec.md §4.7.
func (m *FSM) ApplyReject(agentDID core.DID, threadID string, by core.DID, reason, messageID string) (*AgentTransactionRecord, *StateChange, error) {
	const op = "statemachine.FSM.ApplyReject"
	var change *StateChange
	rec, err := m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("Reject received after terminal state " + string(r.State))
			return r, nil
		}
		old := r.State
		r.Rejections[by] = Rejection{Reason: reason, At: m.Now()}
		r.State = Rejected
		change = &StateChange{ThreadID: threadID, OldState: old, NewState: r.State, AgentDID: agentDID}
		return r, nil
	})
	return rec, change, err
}

// standing reports whether by has standing to cancel: the originator or
// beneficiary party, or any agent acting for them, per spec.md §4.7.
func standing(r *AgentTransactionRecord, by core.DID) bool {
	if by == r.InitiatorDID {
		return true
	}
	agent, ok := r.Agents[by]
	if !ok {
		return false
	}
	if agent.Role == core.RoleOriginator || agent.Role == core.RoleBeneficiary {
		return true
	}
	for _, p := range r.Parties {
		if p.ID != "" && agent.ActsFor(p.ID) {
			return true
		}
	}
	return false
}

// ApplyCancel cancels a transaction if by has standing, per spec.md §4.7.
func (m *FSM) ApplyCancel(agentDID core.DID, threadID string, by core.DID, reason, messageID string) (*AgentTransactionRecord, *StateChange, error) {
	const op = "statemachine.FSM.ApplyCancel"
	var change *StateChange
	rec, err := m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("Cancel received after terminal state " + string(r.State))
			return r, nil
		}
		if !standing(r, by) {
			r.noteAnomaly("Cancel received from agent without standing: " + string(by))
			return r, nil
		}
		old := r.State
		r.Cancellation = &Cancellation{ByDID: by, Reason: reason, At: m.Now()}
		r.State = Cancelled
		change = &StateChange{ThreadID: threadID, OldState: old, NewState: r.State, AgentDID: agentDID}
		return r, nil
	})
	return rec, change, err
}

// ApplySettle records settlement, terminal, per spec.md §4.7.
func (m *FSM) ApplySettle(agentDID core.DID, threadID, settlementID, amount, messageID string) (*AgentTransactionRecord, *StateChange, error) {
	const op = "statemachine.FSM.ApplySettle"
	var change *StateChange
	rec, err := m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("Settle received after terminal state " + string(r.State))
			return r, nil
		}
		old := r.State
		r.Settlement = &Settlement{SettlementID: settlementID, Amount: amount, At: m.Now()}
		r.State = Settled
		change = &StateChange{ThreadID: threadID, OldState: old, NewState: r.State, AgentDID: agentDID}
		return r, nil
	})
	return rec, change, err
}

// ApplyRevert records a reversal, only valid from Settled, per spec.md §4.7.
func (m *FSM) ApplyRevert(agentDID core.DID, threadID string, addr core.SettlementAddress, reason, messageID string) (*AgentTransactionRecord, *StateChange, error) {
	const op = "statemachine.FSM.ApplyRevert"
	var change *StateChange
	rec, err := m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State != Settled {
			r.noteAnomaly("Revert received from non-Settled state " + string(r.State))
			return r, nil
		}
		old := r.State
		r.Revert = &RevertRecord{Reason: reason, SettlementAddress: addr, At: m.Now()}
		r.State = Reverted
		change = &StateChange{ThreadID: threadID, OldState: old, NewState: r.State, AgentDID: agentDID}
		return r, nil
	})
	return rec, change, err
}

// ApplyUpdateParty replaces the party snapshot for partyType, per spec.md §4.7.
func (m *FSM) ApplyUpdateParty(agentDID core.DID, threadID, partyType string, party core.Party, messageID string) (*AgentTransactionRecord, error) {
	const op = "statemachine.FSM.ApplyUpdateParty"
	return m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("UpdateParty received after terminal state " + string(r.State))
			return r, nil
		}
		if r.Parties == nil {
			r.Parties = map[string]core.Party{}
		}
		r.Parties[partyType] = party
		return r, nil
	})
}

// ApplyUpdatePolicies merges policies by tag, per spec.md §4.7 — this may
// raise the required-agent set used by ApplyAuthorize.
func (m *FSM) ApplyUpdatePolicies(agentDID core.DID, threadID string, updates core.PolicySet, messageID string) (*AgentTransactionRecord, error) {
	const op = "statemachine.FSM.ApplyUpdatePolicies"
	return m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("UpdatePolicies received after terminal state " + string(r.State))
			return r, nil
		}
		r.Policies = r.Policies.Merge(updates)
		return r, nil
	})
}

// ApplyAddAgents extends the agent set, per spec.md §4.7.
func (m *FSM) ApplyAddAgents(agentDID core.DID, threadID string, newAgents []core.Agent, messageID string) (*AgentTransactionRecord, error) {
	const op = "statemachine.FSM.ApplyAddAgents"
	return m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("AddAgents received after terminal state " + string(r.State))
			return r, nil
		}
		if r.Agents == nil {
			r.Agents = core.AgentSet{}
		}
		for _, a := range newAgents {
			r.Agents[a.ID] = a
		}
		return r, nil
	})
}

// ApplyReplaceAgent swaps an agent by DID, preserving for_parties unless
// the replacement body overrides it, per spec.md §4.7.
func (m *FSM) ApplyReplaceAgent(agentDID core.DID, threadID string, original core.DID, replacement core.Agent, messageID string) (*AgentTransactionRecord, error) {
	const op = "statemachine.FSM.ApplyReplaceAgent"
	return m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("ReplaceAgent received after terminal state " + string(r.State))
			return r, nil
		}
		if existing, ok := r.Agents[original]; ok && len(replacement.ForParties) == 0 {
			replacement.ForParties = existing.ForParties
		}
		delete(r.Agents, original)
		r.Agents[replacement.ID] = replacement
		return r, nil
	})
}

// ApplyRemoveAgent removes an agent by DID. Removing an agent that has
// already authorized is refused and noted as an anomaly, whoever asks for
// it: the remover is not passed in, so self-removal and removal by another
// party are treated alike.
func (m *FSM) ApplyRemoveAgent(agentDID core.DID, threadID string, target core.DID, messageID string) (*AgentTransactionRecord, error) {
	const op = "statemachine.FSM.ApplyRemoveAgent"
	return m.Store.WithLock(agentDID, threadID, func(r *AgentTransactionRecord) (*AgentTransactionRecord, error) {
		if r == nil {
			return nil, notFound(op, agentDID, threadID)
		}
		r.LastMessageID = messageID
		r.UpdatedAt = m.Now()
		if r.State.Terminal() {
			r.noteAnomaly("RemoveAgent received after terminal state " + string(r.State))
			return r, nil
		}
		if _, authorized := r.Authorizations[target]; authorized {
			r.noteAnomaly("RemoveAgent rejected: agent already authorized: " + string(target))
			return r, nil
		}
		delete(r.Agents, target)
		return r, nil
	})
}
