package router

import (
	"context"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/statemachine"
)

// Storage is the persistence collaborator of spec.md §6.3. SQL storage
// (or any other durable backing) is explicitly out of scope for this
// module; Storage is the seam a host application wires its own
// implementation into. MemoryStorage below is the in-process reference
// implementation used by the router's own tests.
type Storage interface {
	GetTransaction(ctx context.Context, agentDID core.DID, threadID string) (*statemachine.AgentTransactionRecord, bool, error)
	ListTransactions(ctx context.Context, agentDID core.DID, limit, offset int) ([]*statemachine.AgentTransactionRecord, error)
	// UpsertTransaction indexes rec under agentDID. spec.md §6.3 names this
	// operation upsert_transaction(record); agentDID is threaded through
	// explicitly here because AgentTransactionRecord itself (§3.9) has no
	// owning-agent field — it is keyed by (agent_did, thread_id) only in
	// the Store that holds it.
	UpsertTransaction(ctx context.Context, agentDID core.DID, rec *statemachine.AgentTransactionRecord) error

	InsertDecision(ctx context.Context, d *statemachine.Decision) error
	UpdateDecisionStatus(ctx context.Context, decisionID string, status statemachine.DecisionStatus, resolution *string, resolvedAt *int64) error
	ExpireDecisionsForTransaction(ctx context.Context, threadID string) error
	ResolveDecisionsForTransaction(ctx context.Context, threadID string, resolution string, decisionType *statemachine.DecisionType) error
}

// MemoryStorage is an in-process Storage backed directly by a
// statemachine.Store and statemachine.DecisionStore, per spec.md §6.3's
// query surface. It performs no persistence beyond process lifetime.
type MemoryStorage struct {
	records   *statemachine.Store
	decisions *statemachine.DecisionStore

	// byAgent indexes thread IDs per agent for ListTransactions, since
	// statemachine.Store itself is keyed opaquely by (agent,thread).
	byAgent map[core.DID][]string
}

// NewMemoryStorage constructs a MemoryStorage over existing record and
// decision stores, so the router and the state machine share one process's
// view of transaction state.
func NewMemoryStorage(records *statemachine.Store, decisions *statemachine.DecisionStore) *MemoryStorage {
	return &MemoryStorage{records: records, decisions: decisions, byAgent: map[core.DID][]string{}}
}

func (s *MemoryStorage) GetTransaction(_ context.Context, agentDID core.DID, threadID string) (*statemachine.AgentTransactionRecord, bool, error) {
	rec, ok := s.records.Get(agentDID, threadID)
	return rec, ok, nil
}

func (s *MemoryStorage) ListTransactions(_ context.Context, agentDID core.DID, limit, offset int) ([]*statemachine.AgentTransactionRecord, error) {
	threadIDs := s.byAgent[agentDID]
	if offset >= len(threadIDs) {
		return nil, nil
	}
	end := len(threadIDs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*statemachine.AgentTransactionRecord, 0, end-offset)
	for _, tid := range threadIDs[offset:end] {
		if rec, ok := s.records.Get(agentDID, tid); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStorage) UpsertTransaction(_ context.Context, agentDID core.DID, rec *statemachine.AgentTransactionRecord) error {
	// record is assumed already installed into s.records by the caller via
	// Store.WithLock; Upsert only needs to track it for listing.
	for _, existing := range s.byAgent[agentDID] {
		if existing == rec.ThreadID {
			return nil
		}
	}
	s.byAgent[agentDID] = append(s.byAgent[agentDID], rec.ThreadID)
	return nil
}

func (s *MemoryStorage) InsertDecision(_ context.Context, d *statemachine.Decision) error {
	s.decisions.Raise(d.DecisionID, d.ThreadID, d.AgentDID, d.DecisionType, d.Context, d.CreatedAt)
	return nil
}

func (s *MemoryStorage) UpdateDecisionStatus(_ context.Context, decisionID string, status statemachine.DecisionStatus, resolution *string, resolvedAt *int64) error {
	switch status {
	case statemachine.Delivered:
		return s.decisions.MarkDelivered(decisionID)
	case statemachine.Resolved:
		res := ""
		if resolution != nil {
			res = *resolution
		}
		at := int64(0)
		if resolvedAt != nil {
			at = *resolvedAt
		}
		_, err := s.decisions.Resolve(decisionID, res, at)
		return err
	default:
		return nil
	}
}

func (s *MemoryStorage) ExpireDecisionsForTransaction(_ context.Context, threadID string) error {
	s.decisions.ExpireForThread(threadID, 0)
	return nil
}

func (s *MemoryStorage) ResolveDecisionsForTransaction(_ context.Context, threadID string, resolution string, decisionType *statemachine.DecisionType) error {
	for _, d := range s.decisions.ForThread(threadID) {
		if decisionType != nil && d.DecisionType != *decisionType {
			continue
		}
		_, err := s.decisions.Resolve(d.DecisionID, resolution, 0)
		if err != nil {
			return err
		}
	}
	return nil
}
