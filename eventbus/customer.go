package eventbus

import (
	"sync"

	"github.com/tapprotocol/tap/core"
)

// CustomerRecord is the upserted projection of a Party seen in traffic, per
// spec.md §4.8's CustomerEventHandler.
type CustomerRecord struct {
	PartyID    string
	Metadata   map[string]string
	LastSeenBy core.DID
	LastSeenAt int64
}

// AgentActsFor records that AgentDID acts for PartyID, observed from a
// body's agents list, per spec.md §3.3/§4.8.
type AgentActsFor struct {
	AgentDID core.DID
	PartyID  string
}

// CustomerStore is the upsert-by-party-id projection fed by
// CustomerEventHandler. It is a read model, not the source of truth: the
// AgentTransactionRecord remains authoritative for transaction state.
type CustomerStore struct {
	mu        sync.Mutex
	customers map[string]*CustomerRecord
	actsFor   map[AgentActsFor]bool
}

// NewCustomerStore constructs an empty store.
func NewCustomerStore() *CustomerStore {
	return &CustomerStore{customers: map[string]*CustomerRecord{}, actsFor: map[AgentActsFor]bool{}}
}

// Upsert merges metadata into the record for partyID, creating it if absent.
func (s *CustomerStore) Upsert(partyID string, metadata map[string]string, observedBy core.DID, at int64) *CustomerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.customers[partyID]
	if !ok {
		rec = &CustomerRecord{PartyID: partyID, Metadata: map[string]string{}}
		s.customers[partyID] = rec
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	rec.LastSeenBy = observedBy
	rec.LastSeenAt = at
	return rec
}

// Get returns the record for partyID, if any.
func (s *CustomerStore) Get(partyID string) (*CustomerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.customers[partyID]
	return rec, ok
}

// RecordActsFor notes that agentDID acts for partyID.
func (s *CustomerStore) RecordActsFor(agentDID core.DID, partyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actsFor[AgentActsFor{AgentDID: agentDID, PartyID: partyID}] = true
}

// ActsFor reports whether agentDID is recorded as acting for partyID.
func (s *CustomerStore) ActsFor(agentDID core.DID, partyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actsFor[AgentActsFor{AgentDID: agentDID, PartyID: partyID}]
}

var customerEventTypes = map[string]bool{
	core.Transfer{}.MessageType():          true,
	core.Payment{}.MessageType():           true,
	core.UpdateParty{}.MessageType():       true,
	schemaV1 + "ConfirmRelationship": true,
}

// schemaV1 mirrors core's unexported schema base, needed here only to
// recognize ConfirmRelationship, a TAIP message type spec.md's body set
// deliberately leaves unmodeled (no dedicated Go struct exists for it; it
// is handled generically below via its participants-shaped body map).
const schemaV1 = "https://tap.rsvp/schema/1.0#"

// CustomerEventHandler builds the Subscriber of spec.md §4.8: on
// MessageReceived/Sent of type Transfer, Payment, UpdateParty or
// ConfirmRelationship, upsert every Party into store and record
// agent-acts-for-party relationships.
func CustomerEventHandler(store *CustomerStore) Subscriber {
	return func(ev NodeEvent) {
		if ev.Kind != MessageReceived && ev.Kind != MessageSent {
			return
		}
		if ev.Message == nil || !customerEventTypes[ev.Message.Type] {
			return
		}
		parties, agents := extractPartiesAndAgents(ev.Message)
		for _, p := range parties {
			if p.ID == "" {
				continue
			}
			store.Upsert(p.ID, p.Metadata, ev.AgentDID, ev.At)
		}
		for _, a := range agents {
			for _, partyID := range a.ForParties {
				store.RecordActsFor(a.ID, partyID)
			}
		}
	}
}

// extractPartiesAndAgents decodes the typed bodies CustomerEventHandler
// understands, falling back to a best-effort scan of the raw body map for
// types (like ConfirmRelationship) with no dedicated Go struct.
func extractPartiesAndAgents(m *core.PlainMessage) ([]core.Party, []core.Agent) {
	switch m.Type {
	case core.Transfer{}.MessageType():
		var t core.Transfer
		if core.FromPlainMessage(m, &t) != nil {
			return nil, nil
		}
		parties := []core.Party{t.Originator}
		if t.Beneficiary != nil {
			parties = append(parties, *t.Beneficiary)
		}
		return parties, t.Agents
	case core.Payment{}.MessageType():
		var p core.Payment
		if core.FromPlainMessage(m, &p) != nil {
			return nil, nil
		}
		parties := []core.Party{p.Merchant}
		if p.Customer != nil {
			parties = append(parties, *p.Customer)
		}
		return parties, p.Agents
	case core.UpdateParty{}.MessageType():
		var u core.UpdateParty
		if core.FromPlainMessage(m, &u) != nil {
			return nil, nil
		}
		return []core.Party{u.Party}, nil
	default:
		return scanRawBodyForParties(m.Body), nil
	}
}

// scanRawBodyForParties recognizes TAP's conventional shape for a party
// reference, an object with an "@id" string field, at the top level of a
// body map whose values are themselves objects (e.g. ConfirmRelationship's
// originator/agent fields).
func scanRawBodyForParties(body map[string]any) []core.Party {
	var out []core.Party
	for _, v := range body {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		id, ok := obj["@id"].(string)
		if !ok || id == "" {
			continue
		}
		meta := map[string]string{}
		if metaRaw, ok := obj["metadata"].(map[string]any); ok {
			for k, mv := range metaRaw {
				if s, ok := mv.(string); ok {
					meta[k] = s
				}
			}
		}
		out = append(out, core.Party{ID: id, Metadata: meta})
	}
	return out
}
