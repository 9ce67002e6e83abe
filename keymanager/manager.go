package keymanager

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	secp256k1ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/sirupsen/logrus"
	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/pkg/errs"
)

// Manager is the in-memory key manager of spec.md §4.1: it owns private
// key material, is threadsafe, and never exposes raw secrets outside of
// the envelope component: envelope is the only caller of PrivateKeyFor
// (router also holds a Manager, but only to check which keys it has).
type Manager struct {
	mu      sync.RWMutex
	storage *KeyStorage
	log     *logrus.Logger
}

// NewManager constructs a Manager backed by storage. Pass a nil logger to
// use logrus's standard logger, mirroring the teacher's SetWalletLogger
// injection pattern in core/wallet.go.
func NewManager(storage *KeyStorage, log *logrus.Logger) *Manager {
	if storage == nil {
		storage = NewKeyStorage(nil)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{storage: storage, log: log}
}

// Storage exposes the underlying KeyStorage for persistence by the caller.
func (m *Manager) Storage() *KeyStorage { return m.storage }

// Generate samples a fresh keypair of the given type and stores it under
// label, deriving a did:key DID, per spec.md §4.1.
func (m *Manager) Generate(keyType KeyType, label string) (StoredKey, error) {
	const op = "keymanager.Manager.Generate"
	m.mu.Lock()
	defer m.mu.Unlock()

	var pub, priv []byte
	switch keyType {
	case Ed25519:
		pk, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return StoredKey{}, errs.Wrap(errs.Crypto, op, "ed25519 keygen", err)
		}
		pub, priv = []byte(pk), []byte(sk)
	case P256:
		sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return StoredKey{}, errs.Wrap(errs.Crypto, op, "p256 keygen", err)
		}
		pub = elliptic.MarshalCompressed(elliptic.P256(), sk.X, sk.Y)
		priv = sk.D.Bytes()
	case Secp256k1:
		sk, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return StoredKey{}, errs.Wrap(errs.Crypto, op, "secp256k1 keygen", err)
		}
		pub = sk.PubKey().SerializeCompressed()
		priv = sk.Serialize()
	default:
		return StoredKey{}, errs.New(errs.KeyManagement, op, "unsupported key type: "+string(keyType))
	}

	did, err := DIDKeyFromPublicKey(keyType, pub)
	if err != nil {
		return StoredKey{}, err
	}
	sk := StoredKey{DID: did, Label: label, KeyType: keyType, PrivateKey: priv, PublicKey: pub}
	actualLabel, err := m.storage.Add(sk)
	if err != nil {
		return StoredKey{}, err
	}
	sk.Label = actualLabel
	m.log.WithFields(logrus.Fields{"did": did, "key_type": keyType, "label": actualLabel}).Info("generated key")
	return sk, nil
}

// GenerateWeb returns a did:web:<domain> DID sharing the key material of a
// freshly generated keypair, per spec.md §4.1.
func (m *Manager) GenerateWeb(domain string, keyType KeyType, label string) (StoredKey, error) {
	const op = "keymanager.Manager.GenerateWeb"
	sk, err := m.Generate(keyType, label)
	if err != nil {
		return StoredKey{}, err
	}
	webDID := core.DID("did:web:" + domain)
	m.mu.Lock()
	m.storage.Remove(sk.DID)
	sk.DID = webDID
	actualLabel, err := m.storage.Add(sk)
	m.mu.Unlock()
	if err != nil {
		return StoredKey{}, errs.Wrap(errs.KeyManagement, op, "store did:web key", err)
	}
	sk.Label = actualLabel
	return sk, nil
}

// Add inserts an externally supplied key into the store.
func (m *Manager) Add(sk StoredKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage.Add(sk)
}

// Remove deletes did's key material.
func (m *Manager) Remove(did core.DID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage.Remove(did)
}

// Has reports whether did has stored key material.
func (m *Manager) Has(did core.DID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage.Has(did)
}

// List returns every locally held DID.
func (m *Manager) List() []core.DID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage.List()
}

// kidDID extracts the DID portion of a DID URL key id (<did>#<fragment>).
func kidDID(kid string) core.DID {
	for i, c := range kid {
		if c == '#' {
			return core.DID(kid[:i])
		}
	}
	return core.DID(kid)
}

// Sign computes a detached signature over payload using the key named by
// kid (a DID or a DID URL <did>#<key-id>). Fails with KeyNotFound or
// AlgorithmUnsupported per spec.md §4.1.
func (m *Manager) Sign(kid string, payload []byte) ([]byte, error) {
	const op = "keymanager.Manager.Sign"
	m.mu.RLock()
	sk, ok := m.storage.Get(kidDID(kid))
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KeyManagement, op, "unknown kid: "+kid)
	}

	switch sk.KeyType {
	case Ed25519:
		return ed25519.Sign(ed25519.PrivateKey(sk.PrivateKey), payload), nil
	case P256:
		h := sha256.Sum256(payload)
		d := new(big.Int).SetBytes(sk.PrivateKey)
		priv := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: elliptic.P256()}, D: d}
		priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(d.Bytes())
		sig, err := ecdsa.SignASN1(rand.Reader, priv, h[:])
		if err != nil {
			return nil, errs.Wrap(errs.Crypto, op, "ecdsa sign", err)
		}
		return sig, nil
	case Secp256k1:
		h := sha256.Sum256(payload)
		priv := secp256k1.PrivKeyFromBytes(sk.PrivateKey)
		sig := secp256k1ecdsa.Sign(priv, h[:])
		return sig.Serialize(), nil
	default:
		return nil, errs.New(errs.KeyManagement, op, "unsupported key type: "+string(sk.KeyType))
	}
}

// AlgForKeyType returns the JWS `alg` value bound to a key type, per
// spec.md §3.7.
func AlgForKeyType(kt KeyType) (string, error) {
	switch kt {
	case Ed25519:
		return "EdDSA", nil
	case P256:
		return "ES256", nil
	case Secp256k1:
		return "ES256K", nil
	default:
		return "", errs.New(errs.KeyManagement, "keymanager.AlgForKeyType", "unsupported key type: "+string(kt))
	}
}

// Verify checks a detached signature against the given public key and
// algorithm. Exported so the envelope package can verify signatures from
// keys it does not itself hold (the sender's, resolved externally).
func Verify(alg string, pub []byte, payload, sig []byte) (bool, error) {
	const op = "keymanager.Verify"
	switch alg {
	case "EdDSA":
		if len(pub) != ed25519.PublicKeySize {
			return false, errs.New(errs.Crypto, op, "invalid ed25519 public key length")
		}
		return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
	case "ES256":
		h := sha256.Sum256(payload)
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pub)
		if x == nil {
			return false, errs.New(errs.Crypto, op, "invalid p256 public key")
		}
		pk := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		return ecdsa.VerifyASN1(pk, h[:], sig), nil
	case "ES256K":
		h := sha256.Sum256(payload)
		pk, err := secp256k1.ParsePubKey(pub)
		if err != nil {
			return false, errs.Wrap(errs.Crypto, op, "invalid secp256k1 public key", err)
		}
		parsed, err := secp256k1ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false, errs.Wrap(errs.Crypto, op, "invalid secp256k1 signature", err)
		}
		return parsed.Verify(h[:], pk), nil
	default:
		return false, errs.New(errs.Crypto, op, "unsupported alg: "+alg)
	}
}

// PublicKeyFor returns the raw public key bytes and key type for a locally
// held DID, used when the envelope needs this agent's own public key (e.g.
// to populate an ephemeral sender binding).
func (m *Manager) PublicKeyFor(did core.DID) ([]byte, KeyType, error) {
	const op = "keymanager.Manager.PublicKeyFor"
	m.mu.RLock()
	defer m.mu.RUnlock()
	sk, ok := m.storage.Get(did)
	if !ok {
		return nil, "", errs.New(errs.KeyManagement, op, "unknown DID: "+string(did))
	}
	return sk.PublicKey, sk.KeyType, nil
}

// PrivateKeyFor returns the raw private key bytes for a locally held DID,
// used by the envelope's ECDH unwrap. The returned slice is a defensive
// copy; callers must zero it after use (spec.md §5 cancellation safety).
func (m *Manager) PrivateKeyFor(did core.DID) ([]byte, KeyType, error) {
	const op = "keymanager.Manager.PrivateKeyFor"
	m.mu.RLock()
	defer m.mu.RUnlock()
	sk, ok := m.storage.Get(did)
	if !ok {
		return nil, "", errs.New(errs.KeyManagement, op, "unknown DID: "+string(did))
	}
	out := make([]byte, len(sk.PrivateKey))
	copy(out, sk.PrivateKey)
	return out, sk.KeyType, nil
}

// FindKidForRecipient scans recipientKids for any kid whose DID matches a
// locally held key, returning the first match, per spec.md §4.1.
func (m *Manager) FindKidForRecipient(recipientKids []string) (kid string, did core.DID, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range recipientKids {
		d := kidDID(k)
		if m.storage.Has(d) {
			return k, d, true
		}
	}
	return "", "", false
}

// Zero overwrites key material in place. Used to scrub unwrapped CEKs and
// transient private-key copies at scope exit, per spec.md §5/§9.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
