package core

import (
	"encoding/json"

	"github.com/tapprotocol/tap/pkg/errs"
)

// Participant is a reference to either a Party or an Agent surfaced by a
// body's Participants() method, per spec.md §4.5.
type Participant struct {
	Party *Party
	Agent *Agent
}

// DID returns the participant's identifying DID, if it has one (Agents
// always do; Parties only when their ID is itself a DID).
func (p Participant) DID() (DID, bool) {
	if p.Agent != nil {
		return p.Agent.ID, true
	}
	if p.Party != nil && DID(p.Party.ID).Valid() {
		return DID(p.Party.ID), true
	}
	return "", false
}

// TransactionContext names the transaction a body belongs to, per spec.md §4.5.
type TransactionContext struct {
	TransactionID   TransactionID
	TransactionType string
}

// Body is the capability set every TAP typed message body implements, per
// spec.md §9: a closed tagged union of built-ins plus a RawBody fallback.
type Body interface {
	MessageType() string
	Validate() error
	Participants() []Participant
	TransactionContext() (TransactionContext, bool)
}

const schemaBase = "https://tap.rsvp/schema/1.0#"

// ParticipantDIDs flattens a body's Participants() into a deduplicated DID set.
func ParticipantDIDs(b Body) []DID {
	seen := map[DID]bool{}
	var out []DID
	for _, p := range b.Participants() {
		if d, ok := p.DID(); ok && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// ToPlainMessage synthesizes a plain message from a typed body, per
// spec.md §4.5: derives `to` from participant DIDs minus `from` unless
// explicitTo overrides, sets `type` from MessageType(), and created_time.
func ToPlainMessage(b Body, from DID, explicitTo []DID, id string, createdAt int64) (*PlainMessage, error) {
	const op = "core.ToPlainMessage"
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "marshal body", err)
	}
	var bodyMap map[string]any
	if err := json.Unmarshal(raw, &bodyMap); err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "unmarshal body to map", err)
	}

	to := explicitTo
	if to == nil {
		for _, d := range ParticipantDIDs(b) {
			if d != from {
				to = append(to, d)
			}
		}
	}

	ct := createdAt
	return &PlainMessage{
		ID:          id,
		Typ:         PlainTyp,
		Type:        b.MessageType(),
		From:        from,
		To:          to,
		Body:        bodyMap,
		CreatedTime: &ct,
	}, nil
}

// FromPlainMessage schema-checks that m.Type matches want.MessageType() and
// JSON-decodes m.Body into want, per spec.md §4.5.
func FromPlainMessage(m *PlainMessage, want Body) error {
	const op = "core.FromPlainMessage"
	if m.Type != want.MessageType() {
		return errs.New(errs.Validation, op, "message type mismatch: got "+m.Type+" want "+want.MessageType())
	}
	raw, err := json.Marshal(m.Body)
	if err != nil {
		return errs.Wrap(errs.Serialization, op, "marshal body map", err)
	}
	if err := json.Unmarshal(raw, want); err != nil {
		return errs.Wrap(errs.Serialization, op, "unmarshal body", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Transfer

type Transfer struct {
	TransactionID   TransactionID `json:"transaction_id"`
	Asset           string        `json:"asset"`
	Originator      Party         `json:"originator"`
	Beneficiary     *Party        `json:"beneficiary,omitempty"`
	Amount          string        `json:"amount"`
	Agents          []Agent       `json:"agents"`
	SettlementID    string        `json:"settlement_id,omitempty"`
	Memo            string        `json:"memo,omitempty"`
	ConnectionID    string        `json:"connection_id,omitempty"`
}

func (Transfer) MessageType() string { return schemaBase + "Transfer" }

func (t Transfer) Validate() error {
	const op = "core.Transfer.Validate"
	if t.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	if !ValidAssetID(t.Asset) {
		return errs.New(errs.Validation, op, "invalid asset id: "+t.Asset)
	}
	if t.Originator.ID == "" {
		return errs.New(errs.Validation, op, "originator required")
	}
	if t.Amount == "" {
		return errs.New(errs.Validation, op, "amount required")
	}
	if len(t.Agents) == 0 {
		return errs.New(errs.Validation, op, "agents required")
	}
	return nil
}

func (t Transfer) Participants() []Participant {
	out := []Participant{{Party: &t.Originator}}
	if t.Beneficiary != nil {
		out = append(out, Participant{Party: t.Beneficiary})
	}
	for i := range t.Agents {
		out = append(out, Participant{Agent: &t.Agents[i]})
	}
	return out
}

func (t Transfer) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: t.TransactionID, TransactionType: "Transfer"}, true
}

// ---------------------------------------------------------------------
// Payment

type Payment struct {
	TransactionID              TransactionID `json:"transaction_id"`
	Amount                     string        `json:"amount"`
	Asset                      string        `json:"asset,omitempty"`
	CurrencyCode               string        `json:"currency_code,omitempty"`
	Merchant                   Party         `json:"merchant"`
	Customer                   *Party        `json:"customer,omitempty"`
	Agents                     []Agent       `json:"agents"`
	Invoice                    json.RawMessage `json:"invoice,omitempty"`
	Expiry                     string        `json:"expiry,omitempty"`
	SupportedAssets            []string      `json:"supported_assets,omitempty"`
	FallbackSettlementAddresses []string     `json:"fallback_settlement_addresses,omitempty"`
}

func (Payment) MessageType() string { return schemaBase + "Payment" }

func (p Payment) Validate() error {
	const op = "core.Payment.Validate"
	if p.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	if p.Amount == "" {
		return errs.New(errs.Validation, op, "amount required")
	}
	if p.Merchant.ID == "" {
		return errs.New(errs.Validation, op, "merchant required")
	}
	if len(p.Agents) == 0 {
		return errs.New(errs.Validation, op, "agents required")
	}
	if (p.Asset == "") == (p.CurrencyCode == "") {
		return errs.New(errs.Validation, op, "exactly one of asset or currency_code required")
	}
	if p.Asset != "" && !ValidAssetID(p.Asset) {
		return errs.New(errs.Validation, op, "invalid asset id: "+p.Asset)
	}
	return nil
}

func (p Payment) Participants() []Participant {
	out := []Participant{{Party: &p.Merchant}}
	if p.Customer != nil {
		out = append(out, Participant{Party: p.Customer})
	}
	for i := range p.Agents {
		out = append(out, Participant{Agent: &p.Agents[i]})
	}
	return out
}

func (p Payment) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: p.TransactionID, TransactionType: "Payment"}, true
}

// ---------------------------------------------------------------------
// Escrow

type Escrow struct {
	TransactionID TransactionID `json:"transaction_id"`
	Amount        string        `json:"amount"`
	Asset         string        `json:"asset,omitempty"`
	CurrencyCode  string        `json:"currency_code,omitempty"`
	Originator    Party         `json:"originator"`
	Beneficiary   Party         `json:"beneficiary"`
	Expiry        string        `json:"expiry"`
	Agents        []Agent       `json:"agents"`
	Agreement     string        `json:"agreement,omitempty"`
}

func (Escrow) MessageType() string { return schemaBase + "Escrow" }

func (e Escrow) Validate() error {
	const op = "core.Escrow.Validate"
	if e.Amount == "" {
		return errs.New(errs.Validation, op, "amount required")
	}
	if e.Originator.ID == "" || e.Beneficiary.ID == "" {
		return errs.New(errs.Validation, op, "originator and beneficiary required")
	}
	if e.Expiry == "" {
		return errs.New(errs.Validation, op, "expiry required")
	}
	if (e.Asset == "") == (e.CurrencyCode == "") {
		return errs.New(errs.Validation, op, "exactly one of asset or currency_code required")
	}
	escrowAgents := 0
	for _, a := range e.Agents {
		if a.Role == RoleEscrowAgent {
			escrowAgents++
		}
	}
	if escrowAgents != 1 {
		return errs.New(errs.Validation, op, "exactly one EscrowAgent required in agents")
	}
	return nil
}

func (e Escrow) Participants() []Participant {
	out := []Participant{{Party: &e.Originator}, {Party: &e.Beneficiary}}
	for i := range e.Agents {
		out = append(out, Participant{Agent: &e.Agents[i]})
	}
	return out
}

func (e Escrow) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: e.TransactionID, TransactionType: "Escrow"}, true
}

// ---------------------------------------------------------------------
// Control bodies

type Authorize struct {
	TransactionID     TransactionID `json:"transaction_id"`
	SettlementAddress string        `json:"settlement_address,omitempty"`
	Expiry            string        `json:"expiry,omitempty"`
}

func (Authorize) MessageType() string { return schemaBase + "Authorize" }
func (a Authorize) Validate() error {
	if a.TransactionID == "" {
		return errs.New(errs.Validation, "core.Authorize.Validate", "transaction_id required")
	}
	return nil
}
func (Authorize) Participants() []Participant { return nil }
func (a Authorize) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: a.TransactionID, TransactionType: "Authorize"}, true
}

type Reject struct {
	TransactionID TransactionID `json:"transaction_id"`
	Reason        string        `json:"reason,omitempty"`
}

func (Reject) MessageType() string { return schemaBase + "Reject" }
func (r Reject) Validate() error {
	if r.TransactionID == "" {
		return errs.New(errs.Validation, "core.Reject.Validate", "transaction_id required")
	}
	return nil
}
func (Reject) Participants() []Participant { return nil }
func (r Reject) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: r.TransactionID, TransactionType: "Reject"}, true
}

type Cancel struct {
	TransactionID TransactionID `json:"transaction_id"`
	By            DID           `json:"by"`
	Reason        string        `json:"reason,omitempty"`
}

func (Cancel) MessageType() string { return schemaBase + "Cancel" }
func (c Cancel) Validate() error {
	const op = "core.Cancel.Validate"
	if c.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	return ValidateDID(op, c.By)
}
func (Cancel) Participants() []Participant { return nil }
func (c Cancel) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: c.TransactionID, TransactionType: "Cancel"}, true
}

type Settle struct {
	TransactionID TransactionID `json:"transaction_id"`
	SettlementID  string        `json:"settlement_id"`
	Amount        string        `json:"amount,omitempty"`
}

func (Settle) MessageType() string { return schemaBase + "Settle" }
func (s Settle) Validate() error {
	const op = "core.Settle.Validate"
	if s.TransactionID == "" || s.SettlementID == "" {
		return errs.New(errs.Validation, op, "transaction_id and settlement_id required")
	}
	return nil
}
func (Settle) Participants() []Participant { return nil }
func (s Settle) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: s.TransactionID, TransactionType: "Settle"}, true
}

type Revert struct {
	TransactionID     TransactionID `json:"transaction_id"`
	SettlementAddress string        `json:"settlement_address"`
	Reason            string        `json:"reason"`
}

func (Revert) MessageType() string { return schemaBase + "Revert" }
func (r Revert) Validate() error {
	const op = "core.Revert.Validate"
	if r.TransactionID == "" || r.SettlementAddress == "" || r.Reason == "" {
		return errs.New(errs.Validation, op, "transaction_id, settlement_address, reason required")
	}
	if _, err := ParseSettlementAddress(r.SettlementAddress); err != nil {
		return err
	}
	return nil
}
func (Revert) Participants() []Participant { return nil }
func (r Revert) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: r.TransactionID, TransactionType: "Revert"}, true
}

type UpdateParty struct {
	TransactionID TransactionID   `json:"transaction_id"`
	PartyType     string          `json:"party_type"`
	Party         Party           `json:"party"`
	Context       json.RawMessage `json:"context,omitempty"`
}

func (UpdateParty) MessageType() string { return schemaBase + "UpdateParty" }
func (u UpdateParty) Validate() error {
	const op = "core.UpdateParty.Validate"
	if u.TransactionID == "" || u.PartyType == "" || u.Party.ID == "" {
		return errs.New(errs.Validation, op, "transaction_id, party_type, party required")
	}
	return nil
}
func (u UpdateParty) Participants() []Participant { return []Participant{{Party: &u.Party}} }
func (u UpdateParty) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: u.TransactionID, TransactionType: "UpdateParty"}, true
}

type UpdatePolicies struct {
	TransactionID TransactionID `json:"transaction_id"`
	Policies      PolicySet     `json:"policies"`
}

func (UpdatePolicies) MessageType() string { return schemaBase + "UpdatePolicies" }
func (u UpdatePolicies) Validate() error {
	const op = "core.UpdatePolicies.Validate"
	if u.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	for _, p := range u.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
func (UpdatePolicies) Participants() []Participant { return nil }
func (u UpdatePolicies) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: u.TransactionID, TransactionType: "UpdatePolicies"}, true
}

type AddAgents struct {
	TransactionID TransactionID `json:"transaction_id"`
	Agents        []Agent       `json:"agents"`
}

func (AddAgents) MessageType() string { return schemaBase + "AddAgents" }
func (a AddAgents) Validate() error {
	const op = "core.AddAgents.Validate"
	if a.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	if len(a.Agents) == 0 {
		return errs.New(errs.Validation, op, "agents must be non-empty")
	}
	return nil
}
func (a AddAgents) Participants() []Participant {
	out := make([]Participant, len(a.Agents))
	for i := range a.Agents {
		out[i] = Participant{Agent: &a.Agents[i]}
	}
	return out
}
func (a AddAgents) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: a.TransactionID, TransactionType: "AddAgents"}, true
}

type ReplaceAgent struct {
	TransactionID TransactionID `json:"transaction_id"`
	Original      DID           `json:"original"`
	Replacement   Agent         `json:"replacement"`
}

func (ReplaceAgent) MessageType() string { return schemaBase + "ReplaceAgent" }
func (r ReplaceAgent) Validate() error {
	const op = "core.ReplaceAgent.Validate"
	if r.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	if err := ValidateDID(op, r.Original); err != nil {
		return err
	}
	return ValidateDID(op, r.Replacement.ID)
}
func (r ReplaceAgent) Participants() []Participant { return []Participant{{Agent: &r.Replacement}} }
func (r ReplaceAgent) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: r.TransactionID, TransactionType: "ReplaceAgent"}, true
}

type RemoveAgent struct {
	TransactionID TransactionID `json:"transaction_id"`
	Agent         DID           `json:"agent"`
}

func (RemoveAgent) MessageType() string { return schemaBase + "RemoveAgent" }
func (r RemoveAgent) Validate() error {
	const op = "core.RemoveAgent.Validate"
	if r.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	return ValidateDID(op, r.Agent)
}
func (RemoveAgent) Participants() []Participant { return nil }
func (r RemoveAgent) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: r.TransactionID, TransactionType: "RemoveAgent"}, true
}

type Connect struct {
	TransactionID TransactionID   `json:"transaction_id"`
	AgentID       DID             `json:"agent_id"`
	For           DID             `json:"for"`
	Role          string          `json:"role,omitempty"`
	Constraints   json.RawMessage `json:"constraints,omitempty"`
}

func (Connect) MessageType() string { return schemaBase + "Connect" }
func (c Connect) Validate() error {
	const op = "core.Connect.Validate"
	if c.TransactionID == "" {
		return errs.New(errs.Validation, op, "transaction_id required")
	}
	if err := ValidateDID(op, c.AgentID); err != nil {
		return err
	}
	return ValidateDID(op, c.For)
}
func (c Connect) Participants() []Participant {
	return []Participant{{Agent: &Agent{ID: c.AgentID, Role: c.Role, ForParties: []string{string(c.For)}}}}
}
func (c Connect) TransactionContext() (TransactionContext, bool) {
	return TransactionContext{TransactionID: c.TransactionID, TransactionType: "Connect"}, true
}

type TrustPing struct {
	ResponseRequested *bool  `json:"response_requested,omitempty"`
	Comment           string `json:"comment,omitempty"`
}

func (TrustPing) MessageType() string { return schemaBase + "TrustPing" }
func (TrustPing) Validate() error     { return nil }
func (TrustPing) Participants() []Participant { return nil }
func (TrustPing) TransactionContext() (TransactionContext, bool) { return TransactionContext{}, false }

// WantsResponse returns the effective response_requested value, defaulting
// to true per spec.md §3.4.
func (t TrustPing) WantsResponse() bool {
	if t.ResponseRequested == nil {
		return true
	}
	return *t.ResponseRequested
}

type TrustPingResponse struct {
	Comment string `json:"comment,omitempty"`
}

func (TrustPingResponse) MessageType() string                                 { return schemaBase + "TrustPingResponse" }
func (TrustPingResponse) Validate() error                                     { return nil }
func (TrustPingResponse) Participants() []Participant                         { return nil }
func (TrustPingResponse) TransactionContext() (TransactionContext, bool) { return TransactionContext{}, false }

type BasicMessage struct {
	Content string `json:"content"`
	Locale  string `json:"locale,omitempty"`
}

func (BasicMessage) MessageType() string { return schemaBase + "BasicMessage" }
func (b BasicMessage) Validate() error {
	if b.Content == "" {
		return errs.New(errs.Validation, "core.BasicMessage.Validate", "content required")
	}
	return nil
}
func (BasicMessage) Participants() []Participant { return nil }
func (BasicMessage) TransactionContext() (TransactionContext, bool) { return TransactionContext{}, false }

// RawBody is the forward-compat fallback variant carrying raw JSON for body
// types observed on the wire but unknown to this implementation, per
// spec.md §9.
type RawBody struct {
	Type string
	Raw  map[string]any
}

func (r RawBody) MessageType() string                                 { return r.Type }
func (RawBody) Validate() error                                       { return nil }
func (RawBody) Participants() []Participant                           { return nil }
func (RawBody) TransactionContext() (TransactionContext, bool)        { return TransactionContext{}, false }
