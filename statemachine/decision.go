package statemachine

import (
	"sync"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/pkg/errs"
)

// DecisionType names the kind of out-of-band decision an agent is waiting
// on, per spec.md §3.10.
type DecisionType string

const (
	AuthorizationRequired DecisionType = "AuthorizationRequired"
	SettlementRequired    DecisionType = "SettlementRequired"
)

// DecisionStatus is a Decision's lifecycle state, per spec.md §3.10/§4.8.
type DecisionStatus string

const (
	Pending   DecisionStatus = "Pending"
	Delivered DecisionStatus = "Delivered"
	Resolved  DecisionStatus = "Resolved"
	Expired   DecisionStatus = "Expired"
)

// Decision records a pending human/policy-engine decision gating a
// transaction's progress, per spec.md §3.10. It is a distinct record from
// AgentTransactionRecord: an agent may raise several decisions against one
// transaction thread over its lifetime.
type Decision struct {
	DecisionID   string
	ThreadID     string
	AgentDID     core.DID
	DecisionType DecisionType
	Context      map[string]any
	Status       DecisionStatus
	Resolution   string
	CreatedAt    int64
	ResolvedAt   *int64
}

// DecisionStore tracks Decision records by DecisionID, per spec.md §4.8's
// decision lifecycle (Pending -> Delivered -> Resolved, or -> Expired once
// the owning transaction reaches a terminal state).
type DecisionStore struct {
	mu        sync.Mutex
	decisions map[string]*Decision
}

// NewDecisionStore constructs an empty decision store.
func NewDecisionStore() *DecisionStore {
	return &DecisionStore{decisions: map[string]*Decision{}}
}

// Raise creates a new Pending decision, per spec.md §4.8.
func (s *DecisionStore) Raise(decisionID, threadID string, agentDID core.DID, dt DecisionType, context map[string]any, now int64) *Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Decision{
		DecisionID:   decisionID,
		ThreadID:     threadID,
		AgentDID:     agentDID,
		DecisionType: dt,
		Context:      context,
		Status:       Pending,
		CreatedAt:    now,
	}
	s.decisions[decisionID] = d
	return d
}

// Get returns the decision by ID, if present.
func (s *DecisionStore) Get(decisionID string) (*Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	return d, ok
}

// ForThread returns every decision raised against threadID, in no
// particular order.
func (s *DecisionStore) ForThread(threadID string) []*Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Decision
	for _, d := range s.decisions {
		if d.ThreadID == threadID {
			out = append(out, d)
		}
	}
	return out
}

// MarkDelivered transitions a Pending decision to Delivered, per spec.md
// §4.8 (a decision is Delivered once handed to the resolving agent/UI).
func (s *DecisionStore) MarkDelivered(decisionID string) error {
	const op = "statemachine.DecisionStore.MarkDelivered"
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return errs.New(errs.State, op, "unknown decision "+decisionID)
	}
	if d.Status != Pending {
		return errs.New(errs.State, op, "decision "+decisionID+" not Pending: "+string(d.Status))
	}
	d.Status = Delivered
	return nil
}

// Resolve resolves a Pending or Delivered decision with resolution, per
// spec.md §4.8's "authorize"/"settle" resolutions ((f) in the testable
// properties). Resolving an already-terminal decision is an error.
func (s *DecisionStore) Resolve(decisionID, resolution string, now int64) (*Decision, error) {
	const op = "statemachine.DecisionStore.Resolve"
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return nil, errs.New(errs.State, op, "unknown decision "+decisionID)
	}
	if d.Status == Resolved || d.Status == Expired {
		return nil, errs.New(errs.State, op, "decision "+decisionID+" already "+string(d.Status))
	}
	d.Status = Resolved
	d.Resolution = resolution
	at := now
	d.ResolvedAt = &at
	return d, nil
}

// ExpireForThread marks every non-terminal decision for threadID as
// Expired, per spec.md §4.8: raised when the owning transaction reaches a
// terminal state (Rejected/Cancelled/Settled/Reverted) with decisions still
// outstanding.
func (s *DecisionStore) ExpireForThread(threadID string, now int64) []*Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*Decision
	for _, d := range s.decisions {
		if d.ThreadID != threadID {
			continue
		}
		if d.Status == Resolved || d.Status == Expired {
			continue
		}
		d.Status = Expired
		at := now
		d.ResolvedAt = &at
		expired = append(expired, d)
	}
	return expired
}
