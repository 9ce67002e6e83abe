package envelope

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/keymanager"
	"github.com/tapprotocol/tap/pkg/errs"
)

const EncryptedTyp = "application/didcomm-encrypted+json"

const (
	AlgECDH1PU = "ECDH-1PU+A256KW"
	AlgECDHES  = "ECDH-ES+A256KW"
	EncCBCHS   = "A256CBC-HS512"
	EncGCM     = "A256GCM"
)

// jwk is a minimal JSON Web Key carrying an X25519 public point, per
// spec.md §3.7's `epk` header member.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

type jweProtectedHeader struct {
	Typ  string `json:"typ"`
	Alg  string `json:"alg"`
	Enc  string `json:"enc"`
	Apu  string `json:"apu,omitempty"`
	Apv  string `json:"apv"`
	Epk  jwk    `json:"epk"`
	Skid string `json:"skid,omitempty"`
}

type jweRecipient struct {
	Header       map[string]string `json:"header"`
	EncryptedKey string            `json:"encrypted_key"`
}

// JWE is the general-serialization JWE envelope of spec.md §3.7.
type JWE struct {
	Protected  string         `json:"protected"`
	Recipients []jweRecipient `json:"recipients"`
	IV         string         `json:"iv"`
	Ciphertext string         `json:"ciphertext"`
	Tag        string         `json:"tag"`
}

func sortedDIDApv(dids []core.DID) []byte {
	strs := make([]string, len(dids))
	for i, d := range dids {
		strs[i] = string(d)
	}
	sort.Strings(strs)
	h := sha256.Sum256([]byte(strings.Join(strs, ".")))
	return h[:]
}

// packEncrypted builds a general-serialization JWE over m, per spec.md
// §4.3. For AuthCrypt (auth=true), senderKid identifies the sender's
// static key used for ECDH-1PU; for AnonCrypt it is ignored.
func packEncrypted(ctx context.Context, mgr *keymanager.Manager, m *core.PlainMessage, auth bool, senderKid string, recipientKids []string) (*JWE, error) {
	const op = "envelope.packEncrypted"
	if len(recipientKids) == 0 {
		return nil, errs.New(errs.Validation, op, "UnknownRecipientKey: no recipients given")
	}

	ephPriv, ephPub, err := ephemeralX25519KeyPair(randomBytes(32))
	if err != nil {
		return nil, err
	}

	var senderPrivScalar []byte
	var senderDID core.DID
	if auth {
		if senderKid == "" {
			return nil, errs.New(errs.Validation, op, "MissingSigner: AuthCrypt requires a sender kid")
		}
		senderDID = kidToDID(senderKid)
		priv, kt, err := mgr.PrivateKeyFor(senderDID)
		if err != nil {
			return nil, errs.Wrap(errs.KeyManagement, op, "resolve sender key", err)
		}
		defer keymanager.Zero(priv)
		senderPrivScalar, _, err = x25519KeyPairFor(kt, priv, mustPub(mgr, senderDID))
		if err != nil {
			return nil, err
		}
	}

	recipientDIDs := make([]core.DID, len(recipientKids))
	for i, k := range recipientKids {
		recipientDIDs[i] = kidToDID(k)
	}
	apv := sortedDIDApv(recipientDIDs)
	var apu []byte
	algID := AlgECDHES
	enc := EncGCM
	if auth {
		apu = []byte(senderDID)
		algID = AlgECDH1PU
		enc = EncCBCHS
	}

	hdr := jweProtectedHeader{
		Typ: EncryptedTyp,
		Alg: algID,
		Enc: enc,
		Apv: b64url(apv),
		Epk: jwk{Kty: "OKP", Crv: "X25519", X: b64url(ephPub)},
	}
	if auth {
		hdr.Apu = b64url(apu)
		hdr.Skid = senderKid
	}
	protectedJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "marshal protected header", err)
	}
	protectedB64 := b64url(protectedJSON)

	cekLen := A256GCMKeyLen
	if enc == EncCBCHS {
		cekLen = A256CBCHS512KeyLen
	}
	cek := randomBytes(cekLen)
	defer keymanager.Zero(cek)

	keyDataLenBits := 256
	recipients := make([]jweRecipient, 0, len(recipientKids))
	resolverFromCtx, _ := ctx.Value(resolverCtxKey{}).(Resolver)
	for i, kid := range recipientKids {
		did := recipientDIDs[i]
		recipientPubX, err := resolveX25519PublicKey(context.Background(), mgr, resolverFromCtx, did)
		if err != nil {
			return nil, errs.Wrap(errs.Resolver, op, "resolve recipient key", err)
		}
		z, err := ecdh(ephPriv, recipientPubX)
		if err != nil {
			return nil, err
		}
		if auth {
			zs, err := ecdh(senderPrivScalar, recipientPubX)
			if err != nil {
				return nil, err
			}
			z = append(z, zs...)
		}
		otherInfo := concatOtherInfo([]byte(algID), apu, apv, keyDataLenBits)
		kek := concatKDF(z, keyDataLenBits, otherInfo)
		wrapped, err := aesKeyWrap(kek, cek)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, jweRecipient{
			Header:       map[string]string{"kid": kid},
			EncryptedKey: b64url(wrapped),
		})
	}

	plaintext, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "marshal plain message", err)
	}

	var iv, ciphertext, tag []byte
	if enc == EncCBCHS {
		iv, ciphertext, tag, err = encryptA256CBCHS512(cek, plaintext, []byte(protectedB64))
	} else {
		iv, ciphertext, tag, err = encryptA256GCM(cek, plaintext, []byte(protectedB64))
	}
	if err != nil {
		return nil, err
	}

	return &JWE{
		Protected:  protectedB64,
		Recipients: recipients,
		IV:         b64url(iv),
		Ciphertext: b64url(ciphertext),
		Tag:        b64url(tag),
	}, nil
}

// unpackEncrypted is the inverse of packEncrypted, per spec.md §4.4.
func unpackEncrypted(rc resolveCtx, doc *JWE) (*core.PlainMessage, core.DID, error) {
	const op = "envelope.unpackEncrypted"

	protectedBytes, err := b64urlDecode(doc.Protected)
	if err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: decode protected header", err)
	}
	var hdr jweProtectedHeader
	if err := json.Unmarshal(protectedBytes, &hdr); err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: unmarshal protected header", err)
	}

	recipientKids := make([]string, len(doc.Recipients))
	for i, r := range doc.Recipients {
		recipientKids[i] = r.Header["kid"]
	}
	kid, localDID, ok := rc.mgr.FindKidForRecipient(recipientKids)
	if !ok {
		return nil, "", errs.New(errs.KeyManagement, op, "NoMatchingRecipient: no locally held recipient key")
	}
	var encryptedKeyB64 string
	for _, r := range doc.Recipients {
		if r.Header["kid"] == kid {
			encryptedKeyB64 = r.EncryptedKey
			break
		}
	}

	priv, kt, err := rc.mgr.PrivateKeyFor(localDID)
	if err != nil {
		return nil, "", errs.Wrap(errs.KeyManagement, op, "resolve local private key", err)
	}
	defer keymanager.Zero(priv)
	recipientPrivScalar, _, err := x25519KeyPairFor(kt, priv, mustPub(rc.mgr, localDID))
	if err != nil {
		return nil, "", err
	}

	epkBytes, err := b64urlDecode(hdr.Epk.X)
	if err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: decode epk", err)
	}

	auth := hdr.Alg == AlgECDH1PU
	z, err := ecdh(recipientPrivScalar, epkBytes)
	if err != nil {
		return nil, "", err
	}

	var senderDID core.DID
	if auth {
		if hdr.Skid == "" {
			return nil, "", errs.New(errs.Crypto, op, "UnknownAlgorithm: AuthCrypt message missing skid")
		}
		senderDID = kidToDID(hdr.Skid)
		senderDoc, err := rc.resolver.Resolve(rc.ctx, senderDID)
		if err != nil {
			return nil, "", errs.Wrap(errs.Resolver, op, "resolve sender", err)
		}
		vm, ok := senderDoc.MethodFor(hdr.Skid)
		if !ok {
			return nil, "", errs.New(errs.Resolver, op, "sender verification method not found: "+hdr.Skid)
		}
		senderPubX, err := ed25519PublicToX25519(vm.PublicKeyBase)
		if err != nil {
			return nil, "", err
		}
		zs, err := ecdh(recipientPrivScalar, senderPubX)
		if err != nil {
			return nil, "", err
		}
		z = append(z, zs...)
	}

	apu, _ := b64urlDecode(hdr.Apu)
	apv, _ := b64urlDecode(hdr.Apv)
	keyDataLenBits := 256
	otherInfo := concatOtherInfo([]byte(hdr.Alg), apu, apv, keyDataLenBits)
	kek := concatKDF(z, keyDataLenBits, otherInfo)

	wrapped, err := b64urlDecode(encryptedKeyB64)
	if err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: decode encrypted_key", err)
	}
	cek, err := aesKeyUnwrap(kek, wrapped)
	if err != nil {
		return nil, "", errs.Wrap(errs.Crypto, op, "DecryptFailed: key unwrap", err)
	}
	defer keymanager.Zero(cek)

	iv, err := b64urlDecode(doc.IV)
	if err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: decode iv", err)
	}
	ciphertext, err := b64urlDecode(doc.Ciphertext)
	if err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: decode ciphertext", err)
	}
	tag, err := b64urlDecode(doc.Tag)
	if err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: decode tag", err)
	}

	var plaintext []byte
	if hdr.Enc == EncCBCHS {
		plaintext, err = decryptA256CBCHS512(cek, iv, ciphertext, tag, []byte(doc.Protected))
	} else if hdr.Enc == EncGCM {
		plaintext, err = decryptA256GCM(cek, iv, ciphertext, tag, []byte(doc.Protected))
	} else {
		return nil, "", errs.New(errs.Crypto, op, "UnknownAlgorithm: "+hdr.Enc)
	}
	if err != nil {
		return nil, "", err
	}

	var m core.PlainMessage
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, "", errs.Wrap(errs.Serialization, op, "BadFormat: unmarshal plain message", err)
	}

	if auth && senderDID != m.From {
		return nil, "", errs.New(errs.Crypto, op, "SenderMismatch: skid DID disagrees with from")
	}
	if auth {
		return &m, senderDID, nil
	}
	return &m, "", nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// resolveX25519PublicKey resolves did's public key, preferring the local
// key manager (for locally held keys) and falling back to the DID
// document resolver.
func resolveX25519PublicKey(ctx context.Context, mgr *keymanager.Manager, resolver Resolver, did core.DID) ([]byte, error) {
	if mgr.Has(did) {
		pub, kt, err := mgr.PublicKeyFor(did)
		if err != nil {
			return nil, err
		}
		if kt != keymanager.Ed25519 {
			return nil, errs.New(errs.Crypto, "envelope.resolveX25519PublicKey", "key agreement supported only for Ed25519-derived keys")
		}
		return ed25519PublicToX25519(pub)
	}
	if resolver == nil {
		return nil, errs.New(errs.Resolver, "envelope.resolveX25519PublicKey", "unresolvable recipient and no resolver configured: "+string(did))
	}
	doc, err := resolver.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(doc.VerificationMethod) == 0 {
		return nil, errs.New(errs.Resolver, "envelope.resolveX25519PublicKey", "no verification methods for "+string(did))
	}
	return ed25519PublicToX25519(doc.VerificationMethod[0].PublicKeyBase)
}

func mustPub(mgr *keymanager.Manager, did core.DID) []byte {
	pub, _, _ := mgr.PublicKeyFor(did)
	return pub
}

// resolverCtxKey allows packEncrypted to reach a Resolver threaded through
// context when a recipient isn't locally held.
type resolverCtxKey struct{}

func withResolver(ctx context.Context, r Resolver) context.Context {
	return context.WithValue(ctx, resolverCtxKey{}, r)
}
