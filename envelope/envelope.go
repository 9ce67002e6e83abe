package envelope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/keymanager"
	"github.com/tapprotocol/tap/pkg/errs"
)

// SecurityMode selects how Pack wraps a plain message, per spec.md §4.3.
type SecurityMode int

const (
	Plain SecurityMode = iota
	Signed
	AuthCrypt
	AnonCrypt
)

// PackOptions configures Pack, per spec.md §4.3.
type PackOptions struct {
	SecurityMode  SecurityMode
	SignerKid     string
	RecipientKids []string
}

// resolveCtx bundles the collaborators Unpack needs to verify a sender or
// decrypt a recipient.
type resolveCtx struct {
	ctx      context.Context
	resolver Resolver
	mgr      *keymanager.Manager
}

// Pack wraps m per opts.SecurityMode, returning the serialized wire bytes.
func Pack(ctx context.Context, mgr *keymanager.Manager, resolver Resolver, m *core.PlainMessage, opts PackOptions) ([]byte, error) {
	const op = "envelope.Pack"
	switch opts.SecurityMode {
	case Plain:
		data, err := json.Marshal(m)
		if err != nil {
			return nil, errs.Wrap(errs.Serialization, op, "marshal plain message", err)
		}
		return data, nil
	case Signed:
		doc, err := packSigned(mgr, m, opts.SignerKid)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case AuthCrypt:
		ctxWithResolver := withResolver(ctx, resolver)
		doc, err := packEncrypted(ctxWithResolver, mgr, m, true, opts.SignerKid, opts.RecipientKids)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case AnonCrypt:
		ctxWithResolver := withResolver(ctx, resolver)
		doc, err := packEncrypted(ctxWithResolver, mgr, m, false, "", opts.RecipientKids)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	default:
		return nil, errs.New(errs.Validation, op, "unknown security mode")
	}
}

// wireShape is used to sniff whether a wire document is plain, JWS, or
// JWE, per spec.md §4.4's tagging rule.
type wireShape struct {
	Signatures json.RawMessage `json:"signatures"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	Recipients json.RawMessage `json:"recipients"`
}

// Unpack parses a wire document, verifying/decrypting as its shape
// requires, and returns the plain message plus the sender DID: the
// verified signer/sender for Signed and AuthCrypt, the message's own
// (unauthenticated) from for a plain message, and empty for AnonCrypt, per
// spec.md §4.4.
func Unpack(ctx context.Context, mgr *keymanager.Manager, resolver Resolver, wire []byte) (*core.PlainMessage, core.DID, error) {
	const op = "envelope.Unpack"
	var shape wireShape
	if err := json.Unmarshal(wire, &shape); err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat", err)
	}

	rc := resolveCtx{ctx: ctx, resolver: resolver, mgr: mgr}

	switch {
	case shape.Ciphertext != nil && shape.Recipients != nil:
		var doc JWE
		if err := json.Unmarshal(wire, &doc); err != nil {
			return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: JWE", err)
		}
		return unpackEncrypted(rc, &doc)
	case shape.Signatures != nil:
		var doc JWS
		if err := json.Unmarshal(wire, &doc); err != nil {
			return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: JWS", err)
		}
		return unpackSigned(rc, &doc)
	default:
		var m core.PlainMessage
		if err := json.Unmarshal(wire, &m); err != nil {
			return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: plain message", err)
		}
		return &m, m.From, nil
	}
}

// ValidateTimestamps enforces spec.md §4.4's post-unpack timestamp check:
// reject if created_time is more than maxDrift into the future; reject if
// expires_time is past. Timestamps are normalized first (testable
// property 11).
func ValidateTimestamps(m *core.PlainMessage, now time.Time, maxDrift time.Duration) error {
	const op = "envelope.ValidateTimestamps"
	nowSec := now.Unix()
	if m.CreatedTime != nil {
		created := core.NormalizeTimestamp(*m.CreatedTime)
		if created > nowSec+int64(maxDrift.Seconds()) {
			return errs.New(errs.Validation, op, "created_time too far in the future")
		}
	}
	if m.ExpiresTime != nil {
		expires := core.NormalizeTimestamp(*m.ExpiresTime)
		if expires < nowSec {
			return errs.New(errs.Validation, op, "expires_time has passed")
		}
	}
	return nil
}
