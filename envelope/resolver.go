// Package envelope implements the DIDComm secure envelope: JWS signing,
// JWE AuthCrypt/AnonCrypt encryption, general-serialization pack/unpack,
// and the resolver contract used to verify senders against DID documents.
package envelope

import (
	"context"
	"strings"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/pkg/errs"
)

// VerificationMethod is one entry of a resolved DID document, per
// spec.md §4.2: enough to recover a public key for a given kid.
type VerificationMethod struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	PublicKeyBase   []byte `json:"-"`
	PublicKeyFormat string `json:"format"`
}

// DidDocument exposes the subset of a DID document the envelope needs:
// its verification methods, per spec.md §4.2.
type DidDocument struct {
	ID                 string                `json:"id"`
	VerificationMethod []VerificationMethod  `json:"verificationMethod"`
}

// MethodFor returns the verification method whose id equals kid (a full
// DID URL), or false if absent.
func (d *DidDocument) MethodFor(kid string) (VerificationMethod, bool) {
	for _, vm := range d.VerificationMethod {
		if vm.ID == kid {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

// Resolver is the DID-resolution collaborator of spec.md §4.2. The core
// never caches across calls; implementations are free to.
type Resolver interface {
	Resolve(ctx context.Context, did core.DID) (*DidDocument, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, did core.DID) (*DidDocument, error)

func (f ResolverFunc) Resolve(ctx context.Context, did core.DID) (*DidDocument, error) {
	return f(ctx, did)
}

// MultiResolver dispatches resolution by the DID method prefix
// (did:<method>:...), per spec.md §4.2.
type MultiResolver struct {
	byMethod map[string]Resolver
}

// NewMultiResolver constructs an empty dispatcher; register methods with
// Register.
func NewMultiResolver() *MultiResolver {
	return &MultiResolver{byMethod: map[string]Resolver{}}
}

// Register binds a method name (e.g. "key", "web") to a Resolver.
func (r *MultiResolver) Register(method string, resolver Resolver) {
	r.byMethod[method] = resolver
}

func didMethod(did core.DID) string {
	parts := strings.SplitN(string(did), ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Resolve dispatches to the registered resolver for did's method.
func (r *MultiResolver) Resolve(ctx context.Context, did core.DID) (*DidDocument, error) {
	const op = "envelope.MultiResolver.Resolve"
	method := didMethod(did)
	resolver, ok := r.byMethod[method]
	if !ok {
		return nil, errs.New(errs.Resolver, op, "no resolver registered for method: "+method)
	}
	doc, err := resolver.Resolve(ctx, did)
	if err != nil {
		return nil, errs.Wrap(errs.Resolver, op, "resolve "+string(did), err)
	}
	if doc == nil {
		return nil, errs.New(errs.Resolver, op, "unresolved DID: "+string(did))
	}
	return doc, nil
}
