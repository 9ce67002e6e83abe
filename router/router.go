package router

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/envelope"
	"github.com/tapprotocol/tap/keymanager"
	"github.com/tapprotocol/tap/pkg/errs"
)

// LocalAgent is one agent DID this process hosts a pipeline for, per
// spec.md §4.9's "locally registered agent".
type LocalAgent struct {
	DID      core.DID
	Pipeline Pipeline
}

// Router dispatches an unpacked wire message to every locally registered
// agent whose DID is addressed, per spec.md §4.9. For AnonCrypt messages
// (no authenticated sender), dispatch instead falls back to matching any
// locally held recipient key, since `to` is not authenticated either.
type Router struct {
	Manager  *keymanager.Manager
	Resolver envelope.Resolver
	Log      *logrus.Logger

	agents map[core.DID]LocalAgent
}

// New constructs a Router over mgr/resolver. log defaults to
// logrus.StandardLogger() if nil.
func New(mgr *keymanager.Manager, resolver envelope.Resolver, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{Manager: mgr, Resolver: resolver, Log: log, agents: map[core.DID]LocalAgent{}}
}

// RegisterAgent installs a pipeline for a locally hosted agent DID.
func (r *Router) RegisterAgent(agent LocalAgent) {
	r.agents[agent.DID] = agent
}

// UnregisterAgent removes a locally hosted agent.
func (r *Router) UnregisterAgent(did core.DID) {
	delete(r.agents, did)
}

// Dispatch unpacks wire and routes it through every matching local agent's
// pipeline, per spec.md §4.9. It returns one Outcome per agent the message
// was delivered to (agents whose pipeline dropped the message are omitted).
func (r *Router) Dispatch(ctx context.Context, wire []byte) ([]*Outcome, error) {
	const op = "router.Router.Dispatch"
	m, sender, err := envelope.Unpack(ctx, r.Manager, r.Resolver, wire)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "unpack", err)
	}

	recipients := r.recipientsFor(m, sender)
	if len(recipients) == 0 {
		r.Log.Warn("router: no locally registered recipient for message")
		return nil, nil
	}

	var outcomes []*Outcome
	for _, localDID := range recipients {
		agent, ok := r.agents[localDID]
		if !ok {
			continue
		}
		out, err := agent.Pipeline.Run(ctx, &Outcome{Message: m, Sender: sender})
		if err != nil {
			if errs.Is(err, errs.Validation) || errs.Is(err, errs.Crypto) || errs.Is(err, errs.Resolver) {
				r.Log.WithError(err).Warn("router: message dropped for " + string(localDID))
				continue
			}
			return nil, errs.Wrap(errs.External, op, "pipeline for "+string(localDID), err)
		}
		if out != nil {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

// recipientsFor determines which locally registered agents should receive
// m. When sender is known (Plain/Signed/AuthCrypt), it is the intersection
// of m.To and the registered agent set. For AnonCrypt (sender == ""),
// m.To's authenticity is not guaranteed either, so any locally held
// recipient key is treated as addressed, per spec.md §4.9.
func (r *Router) recipientsFor(m *core.PlainMessage, sender core.DID) []core.DID {
	var out []core.DID
	if sender != "" {
		for _, to := range m.To {
			if _, ok := r.agents[to]; ok {
				out = append(out, to)
			}
		}
		return out
	}
	for did := range r.agents {
		if r.Manager.Has(did) {
			out = append(out, did)
		}
	}
	return out
}

// Pack is a thin convenience wrapper around envelope.Pack for outbound
// sends, kept on Router so callers have one entry point for both
// directions, per spec.md §4.9's "symmetrical" outbound note.
func (r *Router) Pack(ctx context.Context, m *core.PlainMessage, opts envelope.PackOptions) ([]byte, error) {
	return envelope.Pack(ctx, r.Manager, r.Resolver, m, opts)
}
