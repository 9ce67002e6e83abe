package envelope

import (
	"encoding/base64"
	"encoding/json"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/keymanager"
	"github.com/tapprotocol/tap/pkg/errs"
)

const SignedTyp = "application/didcomm-signed+json"

// jwsProtectedHeader is the protected header of a JWS signature entry,
// per spec.md §3.7: {typ, alg, kid}.
type jwsProtectedHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type jwsSignatureEntry struct {
	Protected string         `json:"protected"`
	Signature string         `json:"signature"`
	Header    map[string]any `json:"header,omitempty"`
}

// JWS is the general-serialization JWS envelope of spec.md §3.7.
type JWS struct {
	Payload    string              `json:"payload"`
	Signatures []jwsSignatureEntry `json:"signatures"`
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// signingInput is the exact byte sequence a JWS signature is computed over:
// protected || "." || payload, both already base64url-encoded.
func signingInput(protected, payload string) []byte {
	return []byte(protected + "." + payload)
}

// packSigned builds a general-serialization JWS over m, signed with
// signerKid, per spec.md §4.3.
func packSigned(mgr *keymanager.Manager, m *core.PlainMessage, signerKid string) (*JWS, error) {
	const op = "envelope.packSigned"
	if signerKid == "" {
		return nil, errs.New(errs.Validation, op, "MissingSigner")
	}
	sk, ok := mgr.Storage().Get(kidToDID(signerKid))
	if !ok {
		return nil, errs.New(errs.KeyManagement, op, "unknown signer kid: "+signerKid)
	}
	alg, err := keymanager.AlgForKeyType(sk.KeyType)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "marshal plain message", err)
	}
	protectedJSON, err := json.Marshal(jwsProtectedHeader{Typ: SignedTyp, Alg: alg, Kid: signerKid})
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "marshal protected header", err)
	}

	payload := b64url(payloadJSON)
	protected := b64url(protectedJSON)
	sig, err := mgr.Sign(signerKid, signingInput(protected, payload))
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "sign", err)
	}

	return &JWS{
		Payload: payload,
		Signatures: []jwsSignatureEntry{{
			Protected: protected,
			Signature: b64url(sig),
		}},
	}, nil
}

// unpackSigned verifies every signature entry against the resolved DID
// document of its kid, returning the decoded plain message and the sender
// DID asserted by the (now-verified) message body, per spec.md §4.4.
//
// Fails if no signature verifies, or if a verified kid's DID disagrees
// with the plaintext `from` field.
func unpackSigned(ctx resolveCtx, doc *JWS) (*core.PlainMessage, core.DID, error) {
	const op = "envelope.unpackSigned"
	if len(doc.Signatures) == 0 {
		return nil, "", errs.New(errs.Crypto, op, "SignatureInvalid: no signatures present")
	}

	payloadBytes, err := b64urlDecode(doc.Payload)
	if err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: decode payload", err)
	}
	var m core.PlainMessage
	if err := json.Unmarshal(payloadBytes, &m); err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: unmarshal plain message", err)
	}

	verified := false
	for _, entry := range doc.Signatures {
		protectedBytes, err := b64urlDecode(entry.Protected)
		if err != nil {
			continue
		}
		var hdr jwsProtectedHeader
		if err := json.Unmarshal(protectedBytes, &hdr); err != nil {
			continue
		}
		sigBytes, err := b64urlDecode(entry.Signature)
		if err != nil {
			continue
		}
		vmDID := kidToDID(hdr.Kid)
		vmDoc, err := ctx.resolver.Resolve(ctx.ctx, vmDID)
		if err != nil {
			continue
		}
		vm, ok := vmDoc.MethodFor(hdr.Kid)
		if !ok {
			continue
		}
		ok, err = keymanager.Verify(hdr.Alg, vm.PublicKeyBase, signingInput(entry.Protected, doc.Payload), sigBytes)
		if err != nil || !ok {
			continue
		}
		if vmDID != m.From {
			return nil, "", errs.New(errs.Crypto, op, "SenderMismatch: verified kid DID disagrees with from")
		}
		verified = true
	}
	if !verified {
		return nil, "", errs.New(errs.Crypto, op, "SignatureInvalid: no signature verified")
	}
	return &m, m.From, nil
}

// kidToDID strips a DID URL fragment, returning the bare DID.
func kidToDID(kid string) core.DID {
	for i, c := range kid {
		if c == '#' {
			return core.DID(kid[:i])
		}
	}
	return core.DID(kid)
}
