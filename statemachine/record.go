// Package statemachine implements the per-agent transaction record and its
// lifecycle transitions, per spec.md §3.9/§4.7: each agent tracks the
// aggregate state of every transaction thread it participates in.
package statemachine

import (
	"sync"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/pkg/errs"
)

// State is one of the transaction lifecycle states, per spec.md §3.9.
type State string

const (
	Received           State = "Received"
	PartiallyAuthorized State = "PartiallyAuthorized"
	ReadyToSettle      State = "ReadyToSettle"
	Settled            State = "Settled"
	Rejected           State = "Rejected"
	Cancelled          State = "Cancelled"
	Reverted           State = "Reverted"
)

// Terminal reports whether s admits no further transitions, per spec.md §4.7.
func (s State) Terminal() bool {
	switch s {
	case Rejected, Cancelled, Settled, Reverted:
		return true
	default:
		return false
	}
}

// Authorization is one agent's authorization of a transaction, per spec.md §3.9.
type Authorization struct {
	AuthorizedAt      int64
	SettlementAddress *core.SettlementAddress
}

// Rejection is one agent's rejection of a transaction.
type Rejection struct {
	Reason string
	At     int64
}

// Cancellation records who cancelled a transaction and why.
type Cancellation struct {
	ByDID  core.DID
	Reason string
	At     int64
}

// Settlement records a transaction's on/off-chain settlement.
type Settlement struct {
	SettlementID string
	Amount       string
	At           int64
}

// RevertRecord records a settled transaction's reversal.
type RevertRecord struct {
	Reason            string
	SettlementAddress core.SettlementAddress
	At                int64
}

// AgentTransactionRecord is the per-(agent_did, thread_id) record of
// spec.md §3.9.
type AgentTransactionRecord struct {
	ThreadID        string
	Type            string
	InitiatorDID    core.DID
	Parties         map[string]core.Party
	Agents          core.AgentSet
	Authorizations  map[core.DID]Authorization
	Rejections      map[core.DID]Rejection
	Cancellation    *Cancellation
	Settlement      *Settlement
	Revert          *RevertRecord
	State           State
	LastMessageID   string
	UpdatedAt       int64
	Policies        core.PolicySet

	// Anomalies is metadata, not part of spec.md §3.9's mandated field set:
	// an append-only log of well-formed but out-of-order or otherwise
	// unexpected observations (spec.md §7), kept for diagnostics.
	Anomalies []string
}

// NewRecord creates a fresh record in state Received, seeded from an
// initiating Transfer/Payment/Escrow body, per spec.md §4.7.
func NewRecord(threadID, txType string, initiator core.DID, parties map[string]core.Party, agents core.AgentSet, firstMessageID string, now int64) *AgentTransactionRecord {
	return &AgentTransactionRecord{
		ThreadID:       threadID,
		Type:           txType,
		InitiatorDID:   initiator,
		Parties:        parties,
		Agents:         agents,
		Authorizations: map[core.DID]Authorization{},
		Rejections:     map[core.DID]Rejection{},
		State:          Received,
		LastMessageID:  firstMessageID,
		UpdatedAt:      now,
	}
}

func (r *AgentTransactionRecord) noteAnomaly(msg string) {
	r.Anomalies = append(r.Anomalies, msg)
}

// Store is a threadsafe, process-local cache of records keyed by
// (agent_did, thread_id), locked per key per spec.md §5 ("Transaction
// records: locked per (agent_did, thread_id)").
type Store struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[string]*AgentTransactionRecord
}

// NewStore constructs an empty record store.
func NewStore() *Store {
	return &Store{
		locks:   map[string]*sync.Mutex{},
		records: map[string]*AgentTransactionRecord{},
	}
}

func recordKey(agentDID core.DID, threadID string) string {
	return string(agentDID) + "\x00" + threadID
}

// lockFor returns the per-key mutex, creating it if absent.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Get returns the record for (agentDID, threadID), if present.
func (s *Store) Get(agentDID core.DID, threadID string) (*AgentTransactionRecord, bool) {
	key := recordKey(agentDID, threadID)
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	r, ok := s.records[key]
	return r, ok
}

// WithLock runs fn with the per-(agentDID, threadID) lock held, so that a
// read-modify-write transition applies atomically, per spec.md §5. fn
// receives the current record (nil if absent) and must return the record
// to store (possibly the same, mutated, pointer).
func (s *Store) WithLock(agentDID core.DID, threadID string, fn func(*AgentTransactionRecord) (*AgentTransactionRecord, error)) (*AgentTransactionRecord, error) {
	const op = "statemachine.Store.WithLock"
	key := recordKey(agentDID, threadID)
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	current := s.records[key]
	updated, err := fn(current)
	if err != nil {
		return nil, errs.Wrap(errs.State, op, "transition", err)
	}
	if updated != nil {
		s.records[key] = updated
	}
	return updated, nil
}
