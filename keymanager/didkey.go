// Package keymanager owns private key material for TAP agents: generation,
// storage, signing and ECDH unwrap. It never exposes raw secrets outside of
// the envelope component, per spec.md §4.1.
package keymanager

import (
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/pkg/errs"
)

// Multicodec prefixes for did:key encoding, per spec.md §4.1/§6.1.
var multicodecPrefix = map[KeyType][]byte{
	Ed25519:   {0xed, 0x01},
	P256:      {0x12, 0x00},
	Secp256k1: {0xe7, 0x01},
}

// DIDKeyFromPublicKey derives a did:key DID from a public key, per
// spec.md §4.1: did:key:z<multibase-base58btc(<multicodec-prefix> || raw
// public key bytes)>.
func DIDKeyFromPublicKey(kt KeyType, pub []byte) (core.DID, error) {
	const op = "keymanager.DIDKeyFromPublicKey"
	prefix, ok := multicodecPrefix[kt]
	if !ok {
		return "", errs.New(errs.KeyManagement, op, "unsupported key type")
	}
	buf := make([]byte, 0, len(prefix)+len(pub))
	buf = append(buf, prefix...)
	buf = append(buf, pub...)
	enc, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		return "", errs.Wrap(errs.KeyManagement, op, "multibase encode", err)
	}
	return core.DID("did:key:" + enc), nil
}

// rawBase58BTCPublicKey recovers the raw public key bytes from a did:key
// DID, used by a did:key-aware resolver implementation (out of scope here,
// but exercised by tests that round-trip generated keys).
func rawBase58BTCPublicKey(did core.DID) (KeyType, []byte, error) {
	const op = "keymanager.rawBase58BTCPublicKey"
	s := string(did)
	const prefix = "did:key:z"
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", nil, errs.New(errs.Validation, op, "not a did:key DID: "+s)
	}
	decoded, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return "", nil, errs.Wrap(errs.Serialization, op, "base58 decode", err)
	}
	for kt, prefix := range multicodecPrefix {
		if len(decoded) > len(prefix) && decoded[0] == prefix[0] && decoded[1] == prefix[1] {
			return kt, decoded[len(prefix):], nil
		}
	}
	return "", nil, errs.New(errs.KeyManagement, op, "unrecognized multicodec prefix")
}
