package core

// Party is a real-world principal (person or institution) identified by a
// DID, pkh, or RFC-8905 PayTo URI, per spec.md §3.3. Party snapshots are
// value types keyed by identifier in a record's Parties map — a record
// never holds a direct reference into another record (spec.md §9).
type Party struct {
	ID       string            `json:"@id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Name returns the party's schema.org-style "name" metadata field, if set.
func (p Party) Name() string { return p.Metadata["name"] }

// LegalName returns the party's "legalName" metadata field, if set.
func (p Party) LegalName() string { return p.Metadata["legalName"] }

// Country returns the party's ISO country code metadata field, if set.
func (p Party) Country() string { return p.Metadata["country"] }

// Agent is a service acting FOR one or more parties, identified by a DID,
// per spec.md §3.3.
type Agent struct {
	ID         DID      `json:"@id"`
	Role       string   `json:"role,omitempty"`
	ForParties []string `json:"for,omitempty"`
}

// Known agent roles, per spec.md §3.3.
const (
	RoleOriginator        = "originator"
	RoleBeneficiary       = "beneficiary"
	RoleSettlementAddress = "settlementAddress"
	RoleCompliance        = "compliance"
	RoleEscrowAgent       = "EscrowAgent"
)

// ActsFor reports whether a represents the named party.
func (a Agent) ActsFor(partyID string) bool {
	for _, p := range a.ForParties {
		if p == partyID {
			return true
		}
	}
	return false
}

// AgentSet is a set of Agent snapshots keyed by DID, used by
// AgentTransactionRecord (spec.md §3.9).
type AgentSet map[DID]Agent

// Clone returns a shallow value copy of the set.
func (s AgentSet) Clone() AgentSet {
	out := make(AgentSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ByRole returns the agents in s with the given role.
func (s AgentSet) ByRole(role string) []Agent {
	var out []Agent
	for _, a := range s {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}
