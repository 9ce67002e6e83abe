package eventbus

import (
	"github.com/tapprotocol/tap/statemachine"
)

// DecisionStateHandler builds the Subscriber of spec.md §4.8: on
// TransactionStateChanged, resolve or expire the Decision records raised
// against that thread.
//
//   - new_state terminal                      -> expire all open decisions
//   - new_state PartiallyAuthorized/ReadyToSettle -> resolve open
//     AuthorizationRequired decisions with "authorize"
//   - new_state Settled                        -> resolve open
//     SettlementRequired decisions with "settle"
func DecisionStateHandler(store *statemachine.DecisionStore, now func() int64) Subscriber {
	return func(ev NodeEvent) {
		if ev.Kind != TransactionStateChange || ev.StateChange == nil {
			return
		}
		change := ev.StateChange
		at := now()

		switch change.NewState {
		case statemachine.PartiallyAuthorized, statemachine.ReadyToSettle:
			resolveOpenDecisions(store, change.ThreadID, statemachine.AuthorizationRequired, "authorize", at)
			return
		case statemachine.Settled:
			// Settled is terminal, but SettlementRequired decisions resolve
			// rather than expire; anything else still open does expire.
			resolveOpenDecisions(store, change.ThreadID, statemachine.SettlementRequired, "settle", at)
		}

		if change.NewState.Terminal() {
			store.ExpireForThread(change.ThreadID, at)
		}
	}
}

func resolveOpenDecisions(store *statemachine.DecisionStore, threadID string, dt statemachine.DecisionType, resolution string, at int64) {
	for _, d := range store.ForThread(threadID) {
		if d.DecisionType != dt {
			continue
		}
		if d.Status != statemachine.Pending && d.Status != statemachine.Delivered {
			continue
		}
		_, _ = store.Resolve(d.DecisionID, resolution, at)
	}
}
