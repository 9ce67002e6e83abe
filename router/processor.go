// Package router implements the inbound/outbound processor pipeline and
// dispatch of spec.md §4.9: Validation -> Timestamp -> TrustPingAuto ->
// TravelRuleAuto -> Logging -> StateMachine -> AutoAuthorize ->
// Delivery/Storage.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/envelope"
	"github.com/tapprotocol/tap/eventbus"
	"github.com/tapprotocol/tap/statemachine"
)

// Outcome carries a message through the pipeline. A nil Message means a
// processor returned None (spec.md §4.9): the pipeline stops, the message
// is dropped, nothing is stored or answered.
type Outcome struct {
	Message *core.PlainMessage
	Sender  core.DID

	// Reply, if non-nil, is a message the pipeline wants delivered back to
	// Sender (e.g. a TrustPingResponse), independent of whether Message
	// itself continues down the pipeline.
	Reply *core.PlainMessage
}

// Processor is one stage of the composite pipeline. Returning a nil
// *Outcome.Message drops the message; processors may also return an error,
// which Router classifies via pkg/errs.Kind per spec.md §7's propagation
// policy (Drop for Validation/Crypto/Resolver, Error otherwise).
type Processor interface {
	Process(ctx context.Context, o *Outcome) (*Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, o *Outcome) (*Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, o *Outcome) (*Outcome, error) { return f(ctx, o) }

// ValidationProcessor runs spec.md §4.9's first stage: DID syntax on
// from/to, non-empty id/type, body schema-conformance to type, and the
// body's own cross-field invariants (e.g. Payment's "exactly one of
// asset/currency_code", Escrow's "exactly one EscrowAgent").
type ValidationProcessor struct{}

func (ValidationProcessor) Process(_ context.Context, o *Outcome) (*Outcome, error) {
	if err := o.Message.Validate(); err != nil {
		return nil, err
	}
	body, err := core.DecodeBody(o.Message)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateBody(body); err != nil {
		return nil, err
	}
	return o, nil
}

// TimestampProcessor enforces envelope.ValidateTimestamps against a clock
// and max drift, per spec.md §4.4/§8 property 10.
type TimestampProcessor struct {
	Now      func() time.Time
	MaxDrift time.Duration
}

func (p TimestampProcessor) Process(_ context.Context, o *Outcome) (*Outcome, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	drift := p.MaxDrift
	if drift == 0 {
		drift = 60 * time.Second
	}
	if err := envelope.ValidateTimestamps(o.Message, now(), drift); err != nil {
		return nil, err
	}
	return o, nil
}

// TrustPingAutoProcessor synthesizes a TrustPingResponse, per spec.md §4.9
// and testable property 9.
type TrustPingAutoProcessor struct {
	LocalDID  core.DID
	NewID     func() string
	NowMillis func() int64
}

func (p TrustPingAutoProcessor) Process(_ context.Context, o *Outcome) (*Outcome, error) {
	if o.Message.Type != (core.TrustPing{}).MessageType() {
		return o, nil
	}
	var ping core.TrustPing
	if err := core.FromPlainMessage(o.Message, &ping); err != nil {
		return nil, err
	}
	if !ping.WantsResponse() {
		return o, nil
	}
	newID := uuid.NewString
	if p.NewID != nil {
		newID = p.NewID
	}
	body, err := core.ToPlainMessage(core.TrustPingResponse{Comment: "Pong!"}, p.LocalDID, []core.DID{o.Message.From}, newID(), p.now())
	if err != nil {
		return nil, err
	}
	body.Thid = o.Message.ThreadOrID()
	o.Reply = body
	return o, nil
}

func (p TrustPingAutoProcessor) now() int64 {
	if p.NowMillis != nil {
		return p.NowMillis()
	}
	return time.Now().Unix()
}

// TravelRuleAutoProcessor synthesizes an IVMS-101 presentation attachment
// for outbound Transfer/Payment messages whose policy set requires one,
// per spec.md §4.9. PolicyLookup returns the policies in force for a
// thread; Customers supplies the originator Customer record the attachment
// content is built from.
type TravelRuleAutoProcessor struct {
	PolicyLookup func(threadID string) core.PolicySet
	Customers    *eventbus.CustomerStore
}

func (p TravelRuleAutoProcessor) Process(_ context.Context, o *Outcome) (*Outcome, error) {
	if p.PolicyLookup == nil {
		return o, nil
	}
	if o.Message.Type != (core.Transfer{}).MessageType() && o.Message.Type != (core.Payment{}).MessageType() {
		return o, nil
	}
	threadID := o.Message.ThreadOrID()
	policies := p.PolicyLookup(threadID)
	var target *core.Policy
	for i := range policies {
		if policies[i].TargetsIVMS101() {
			target = &policies[i]
			break
		}
	}
	if target == nil {
		return o, nil
	}

	var originatorID string
	switch o.Message.Type {
	case (core.Transfer{}).MessageType():
		var t core.Transfer
		if err := core.FromPlainMessage(o.Message, &t); err == nil {
			originatorID = t.Originator.ID
		}
	case (core.Payment{}).MessageType():
		var pay core.Payment
		if err := core.FromPlainMessage(o.Message, &pay); err == nil && pay.Customer != nil {
			originatorID = pay.Customer.ID
		}
	}
	if originatorID == "" {
		return o, nil
	}

	presentation := map[string]any{
		"@context":    []string{"https://intervasp.org/ivms101"},
		"type":        []string{"VerifiablePresentation"},
		"originator":  originatorID,
	}
	if p.Customers != nil {
		if rec, ok := p.Customers.Get(originatorID); ok {
			presentation["originator_metadata"] = rec.Metadata
		}
	}

	raw, err := json.Marshal(presentation)
	if err != nil {
		return nil, err
	}
	o.Message.Attachments = append(o.Message.Attachments, core.Attachment{
		ID:        uuid.NewString(),
		MediaType: "application/json",
		Data:      core.AttachmentData{JSON: raw},
	})
	return o, nil
}

// LoggingProcessor publishes MessageReceived/MessageSent to the event bus,
// per spec.md §4.8.
type LoggingProcessor struct {
	Bus      *eventbus.Bus
	LocalDID core.DID
	Inbound  bool
	Now      func() int64
}

func (p LoggingProcessor) Process(_ context.Context, o *Outcome) (*Outcome, error) {
	if p.Bus == nil {
		return o, nil
	}
	kind := eventbus.MessageSent
	if p.Inbound {
		kind = eventbus.MessageReceived
	}
	at := int64(0)
	if p.Now != nil {
		at = p.Now()
	}
	p.Bus.Publish(eventbus.NodeEvent{
		Kind:            kind,
		At:              at,
		AgentDID:        p.LocalDID,
		Message:         o.Message,
		CounterpartyDID: o.Sender,
	})
	return o, nil
}

// StateMachineProcessor applies o.Message to the per-agent transaction
// record, per spec.md §4.7, and publishes TransactionCreated /
// TransactionStateChanged to the event bus.
type StateMachineProcessor struct {
	FSM      *statemachine.FSM
	LocalDID core.DID
	Bus      *eventbus.Bus
}

func (p StateMachineProcessor) Process(_ context.Context, o *Outcome) (*Outcome, error) {
	m := o.Message
	threadID := m.ThreadOrID()

	switch m.Type {
	case (core.Transfer{}).MessageType(), (core.Payment{}).MessageType(), (core.Escrow{}).MessageType():
		return o, p.applyInitiate(m, threadID)
	case (core.Authorize{}).MessageType():
		return o, p.applyAuthorize(m, threadID)
	case (core.Reject{}).MessageType():
		return o, p.applyReject(m, threadID)
	case (core.Cancel{}).MessageType():
		return o, p.applyCancel(m, threadID)
	case (core.Settle{}).MessageType():
		return o, p.applySettle(m, threadID)
	case (core.Revert{}).MessageType():
		return o, p.applyRevert(m, threadID)
	case (core.UpdateParty{}).MessageType():
		return o, p.applyUpdateParty(m, threadID)
	case (core.UpdatePolicies{}).MessageType():
		return o, p.applyUpdatePolicies(m, threadID)
	case (core.AddAgents{}).MessageType():
		return o, p.applyAddAgents(m, threadID)
	case (core.ReplaceAgent{}).MessageType():
		return o, p.applyReplaceAgent(m, threadID)
	case (core.RemoveAgent{}).MessageType():
		return o, p.applyRemoveAgent(m, threadID)
	default:
		return o, nil
	}
}

func (p StateMachineProcessor) publish(change *statemachine.StateChange) {
	if p.Bus == nil || change == nil {
		return
	}
	p.Bus.Publish(eventbus.NodeEvent{Kind: eventbus.TransactionStateChange, AgentDID: p.LocalDID, StateChange: change})
}

func (p StateMachineProcessor) applyInitiate(m *core.PlainMessage, threadID string) error {
	var (
		txType  string
		parties map[string]core.Party
		agents  core.AgentSet
	)
	switch m.Type {
	case (core.Transfer{}).MessageType():
		var t core.Transfer
		if err := core.FromPlainMessage(m, &t); err != nil {
			return err
		}
		txType = "Transfer"
		parties = map[string]core.Party{"originator": t.Originator}
		if t.Beneficiary != nil {
			parties["beneficiary"] = *t.Beneficiary
		}
		agents = agentSetFrom(t.Agents)
	case (core.Payment{}).MessageType():
		var pay core.Payment
		if err := core.FromPlainMessage(m, &pay); err != nil {
			return err
		}
		txType = "Payment"
		parties = map[string]core.Party{"merchant": pay.Merchant}
		if pay.Customer != nil {
			parties["customer"] = *pay.Customer
		}
		agents = agentSetFrom(pay.Agents)
	case (core.Escrow{}).MessageType():
		var e core.Escrow
		if err := core.FromPlainMessage(m, &e); err != nil {
			return err
		}
		txType = "Escrow"
		parties = map[string]core.Party{"originator": e.Originator, "beneficiary": e.Beneficiary}
		agents = agentSetFrom(e.Agents)
	}
	rec, err := p.FSM.ApplyInitiate(p.LocalDID, threadID, txType, m.From, parties, agents, m.ID)
	if err != nil {
		return err
	}
	if p.Bus != nil {
		p.Bus.Publish(eventbus.NodeEvent{Kind: eventbus.TransactionCreated, AgentDID: p.LocalDID, ThreadID: threadID, TxType: txType, InitiatorDID: rec.InitiatorDID})
	}
	return nil
}

func agentSetFrom(agents []core.Agent) core.AgentSet {
	out := make(core.AgentSet, len(agents))
	for _, a := range agents {
		out[a.ID] = a
	}
	return out
}

func (p StateMachineProcessor) applyAuthorize(m *core.PlainMessage, threadID string) error {
	var a core.Authorize
	if err := core.FromPlainMessage(m, &a); err != nil {
		return err
	}
	var addr *core.SettlementAddress
	if a.SettlementAddress != "" {
		parsed, err := core.ParseSettlementAddress(a.SettlementAddress)
		if err != nil {
			return err
		}
		addr = &parsed
	}
	_, change, err := p.FSM.ApplyAuthorize(p.LocalDID, threadID, m.From, addr, m.ID)
	p.publish(change)
	return err
}

func (p StateMachineProcessor) applyReject(m *core.PlainMessage, threadID string) error {
	var r core.Reject
	if err := core.FromPlainMessage(m, &r); err != nil {
		return err
	}
	_, change, err := p.FSM.ApplyReject(p.LocalDID, threadID, m.From, r.Reason, m.ID)
	p.publish(change)
	return err
}

func (p StateMachineProcessor) applyCancel(m *core.PlainMessage, threadID string) error {
	var c core.Cancel
	if err := core.FromPlainMessage(m, &c); err != nil {
		return err
	}
	_, change, err := p.FSM.ApplyCancel(p.LocalDID, threadID, m.From, c.Reason, m.ID)
	p.publish(change)
	return err
}

func (p StateMachineProcessor) applySettle(m *core.PlainMessage, threadID string) error {
	var s core.Settle
	if err := core.FromPlainMessage(m, &s); err != nil {
		return err
	}
	_, change, err := p.FSM.ApplySettle(p.LocalDID, threadID, s.SettlementID, s.Amount, m.ID)
	p.publish(change)
	return err
}

func (p StateMachineProcessor) applyRevert(m *core.PlainMessage, threadID string) error {
	var r core.Revert
	if err := core.FromPlainMessage(m, &r); err != nil {
		return err
	}
	addr, err := core.ParseSettlementAddress(r.SettlementAddress)
	if err != nil {
		return err
	}
	_, change, err := p.FSM.ApplyRevert(p.LocalDID, threadID, addr, r.Reason, m.ID)
	p.publish(change)
	return err
}

func (p StateMachineProcessor) applyUpdateParty(m *core.PlainMessage, threadID string) error {
	var u core.UpdateParty
	if err := core.FromPlainMessage(m, &u); err != nil {
		return err
	}
	_, err := p.FSM.ApplyUpdateParty(p.LocalDID, threadID, u.PartyType, u.Party, m.ID)
	return err
}

func (p StateMachineProcessor) applyUpdatePolicies(m *core.PlainMessage, threadID string) error {
	var u core.UpdatePolicies
	if err := core.FromPlainMessage(m, &u); err != nil {
		return err
	}
	_, err := p.FSM.ApplyUpdatePolicies(p.LocalDID, threadID, u.Policies, m.ID)
	return err
}

func (p StateMachineProcessor) applyAddAgents(m *core.PlainMessage, threadID string) error {
	var a core.AddAgents
	if err := core.FromPlainMessage(m, &a); err != nil {
		return err
	}
	_, err := p.FSM.ApplyAddAgents(p.LocalDID, threadID, a.Agents, m.ID)
	return err
}

func (p StateMachineProcessor) applyReplaceAgent(m *core.PlainMessage, threadID string) error {
	var r core.ReplaceAgent
	if err := core.FromPlainMessage(m, &r); err != nil {
		return err
	}
	_, err := p.FSM.ApplyReplaceAgent(p.LocalDID, threadID, r.Original, r.Replacement, m.ID)
	return err
}

func (p StateMachineProcessor) applyRemoveAgent(m *core.PlainMessage, threadID string) error {
	var r core.RemoveAgent
	if err := core.FromPlainMessage(m, &r); err != nil {
		return err
	}
	_, err := p.FSM.ApplyRemoveAgent(p.LocalDID, threadID, r.Agent, m.ID)
	return err
}

// AutoAuthorizeProcessor synthesizes an Authorize reply after a Transfer
// or Payment is processed, per spec.md §4.7 "Automatic authorization":
// once the receiving agent is in the transaction's `agents` set with
// role originator or beneficiary, and no pending RequirePresentation
// policy targets it, it auto-authorizes with the same transaction_id.
// Placed after StateMachineProcessor so the record it inspects already
// reflects the just-processed message.
type AutoAuthorizeProcessor struct {
	FSM       *statemachine.FSM
	LocalDID  core.DID
	NewID     func() string
	NowMillis func() int64
}

func (p AutoAuthorizeProcessor) Process(_ context.Context, o *Outcome) (*Outcome, error) {
	m := o.Message
	transactionID, ok := transferOrPaymentID(m)
	if !ok {
		return o, nil
	}
	if o.Reply != nil {
		// a prior stage (e.g. TrustPingAuto) already queued a reply; a
		// Transfer/Payment never shares a pipeline pass with a TrustPing.
		return o, nil
	}

	threadID := m.ThreadOrID()
	rec, ok := p.FSM.Store.Get(p.LocalDID, threadID)
	if !ok {
		return o, nil
	}
	agent, ok := rec.Agents[p.LocalDID]
	if !ok || (agent.Role != core.RoleOriginator && agent.Role != core.RoleBeneficiary) {
		return o, nil
	}
	if _, authorized := rec.Authorizations[p.LocalDID]; authorized {
		return o, nil
	}
	if presentationPending(rec.Policies, p.LocalDID) {
		return o, nil
	}

	newID := uuid.NewString
	if p.NewID != nil {
		newID = p.NewID
	}
	reply, err := core.ToPlainMessage(core.Authorize{TransactionID: transactionID}, p.LocalDID, []core.DID{m.From}, newID(), p.now())
	if err != nil {
		return nil, err
	}
	reply.Thid = threadID
	o.Reply = reply
	return o, nil
}

func (p AutoAuthorizeProcessor) now() int64 {
	if p.NowMillis != nil {
		return p.NowMillis()
	}
	return time.Now().Unix()
}

// transferOrPaymentID reports whether m is a Transfer or Payment and
// returns its transaction_id.
func transferOrPaymentID(m *core.PlainMessage) (core.TransactionID, bool) {
	switch m.Type {
	case (core.Transfer{}).MessageType():
		var t core.Transfer
		if err := core.FromPlainMessage(m, &t); err != nil {
			return "", false
		}
		return t.TransactionID, true
	case (core.Payment{}).MessageType():
		var pay core.Payment
		if err := core.FromPlainMessage(m, &pay); err != nil {
			return "", false
		}
		return pay.TransactionID, true
	default:
		return "", false
	}
}

// presentationPending reports whether a RequirePresentation policy in
// policies still requires something from or about did — i.e. auto-
// authorization must wait for it, per spec.md §4.7.
func presentationPending(policies core.PolicySet, did core.DID) bool {
	for _, p := range policies {
		if p.Tag != core.PolicyRequirePresentation {
			continue
		}
		if p.From == did || p.AboutAgent == did {
			return true
		}
	}
	return false
}

// DeliveryProcessor is the pipeline's terminal stage: persists via Storage
// and hands the result to a caller-supplied sink (e.g. an HTTP responder or
// an outbound transport), per spec.md §4.9.
type DeliveryProcessor struct {
	Storage  Storage
	LocalDID core.DID
	FSM      *statemachine.FSM
	Sink     func(ctx context.Context, o *Outcome) error
}

func (p DeliveryProcessor) Process(ctx context.Context, o *Outcome) (*Outcome, error) {
	if p.Storage != nil && p.FSM != nil {
		if rec, ok := p.FSM.Store.Get(p.LocalDID, o.Message.ThreadOrID()); ok {
			if err := p.Storage.UpsertTransaction(ctx, p.LocalDID, rec); err != nil {
				return nil, err
			}
		}
	}
	if p.Sink != nil {
		if err := p.Sink(ctx, o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Pipeline chains Processors, short-circuiting on a dropped (nil Message)
// outcome or an error, per spec.md §4.9.
type Pipeline struct {
	Stages []Processor
	Log    *logrus.Logger
}

// Run executes every stage in order, stopping early if a stage drops the
// message (returns a nil *Outcome) or errors.
func (p Pipeline) Run(ctx context.Context, o *Outcome) (*Outcome, error) {
	cur := o
	for _, stage := range p.Stages {
		next, err := stage.Process(ctx, cur)
		if err != nil {
			return nil, err
		}
		if next == nil || next.Message == nil {
			if p.Log != nil {
				p.Log.Warn("router: message dropped by pipeline stage")
			}
			return nil, nil
		}
		cur = next
	}
	return cur, nil
}
