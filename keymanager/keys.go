package keymanager

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/pkg/errs"
)

// KeyType names a supported private-key algorithm family, per spec.md §3.8.
type KeyType string

const (
	Ed25519   KeyType = "Ed25519"
	P256      KeyType = "P256"
	Secp256k1 KeyType = "Secp256k1"
)

// StoredKey binds a DID to private key material, per spec.md §3.8.
type StoredKey struct {
	DID        core.DID          `json:"did"`
	Label      string            `json:"label"`
	KeyType    KeyType           `json:"key_type"`
	PrivateKey []byte            `json:"private_key"`
	PublicKey  []byte            `json:"public_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// storedKeyJSON mirrors StoredKey but base64-encodes raw key bytes for the
// wire form required by spec.md §3.8 ("base64 raw bytes").
type storedKeyJSON struct {
	DID        core.DID          `json:"did"`
	Label      string            `json:"label"`
	KeyType    KeyType           `json:"key_type"`
	PrivateKey string            `json:"private_key"`
	PublicKey  string            `json:"public_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (k StoredKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedKeyJSON{
		DID:        k.DID,
		Label:      k.Label,
		KeyType:    k.KeyType,
		PrivateKey: base64.StdEncoding.EncodeToString(k.PrivateKey),
		PublicKey:  base64.StdEncoding.EncodeToString(k.PublicKey),
		Metadata:   k.Metadata,
	})
}

func (k *StoredKey) UnmarshalJSON(data []byte) error {
	var j storedKeyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	priv, err := base64.StdEncoding.DecodeString(j.PrivateKey)
	if err != nil {
		return err
	}
	pub, err := base64.StdEncoding.DecodeString(j.PublicKey)
	if err != nil {
		return err
	}
	k.DID, k.Label, k.KeyType, k.PrivateKey, k.PublicKey, k.Metadata = j.DID, j.Label, j.KeyType, priv, pub, j.Metadata
	return nil
}

// KeyStorage aggregates Stored Keys keyed by DID, per spec.md §3.8.
type KeyStorage struct {
	Keys       map[core.DID]StoredKey `json:"keys"`
	DefaultDID core.DID               `json:"default_did,omitempty"`
	CreatedAt  int64                  `json:"created_at"`
	UpdatedAt  int64                  `json:"updated_at"`

	mu     sync.RWMutex
	labels map[string]bool
	nowFn  func() int64
}

// NewKeyStorage constructs an empty key storage document.
func NewKeyStorage(now func() int64) *KeyStorage {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	ts := now()
	return &KeyStorage{
		Keys:      map[core.DID]StoredKey{},
		CreatedAt: ts,
		UpdatedAt: ts,
		labels:    map[string]bool{},
		nowFn:     now,
	}
}

// uniqueLabel auto-suffixes a colliding label with -2, -3, ... preserving
// the first unsuffixed entry, per spec.md §3.8 and testable property 12.
// Caller must hold the write lock.
func (s *KeyStorage) uniqueLabel(want string) string {
	if !s.labels[want] {
		return want
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", want, n)
		if !s.labels[candidate] {
			return candidate
		}
	}
}

// Add inserts key into the store, auto-suffixing a colliding label.
// Returns the (possibly suffixed) label actually stored.
func (s *KeyStorage) Add(key StoredKey) (string, error) {
	const op = "keymanager.KeyStorage.Add"
	if !key.DID.Valid() {
		return "", errs.New(errs.Validation, op, "invalid DID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labels == nil {
		s.labels = map[string]bool{}
	}
	key.Label = s.uniqueLabel(key.Label)
	s.labels[key.Label] = true
	s.Keys[key.DID] = key
	s.UpdatedAt = s.nowFn()
	return key.Label, nil
}

// Remove deletes the stored key for did, if present.
func (s *KeyStorage) Remove(did core.DID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.Keys[did]; ok {
		delete(s.labels, k.Label)
		delete(s.Keys, did)
		if s.DefaultDID == did {
			s.DefaultDID = ""
		}
		s.UpdatedAt = s.nowFn()
	}
}

// Has reports whether did has stored key material.
func (s *KeyStorage) Has(did core.DID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.Keys[did]
	return ok
}

// List returns every DID with stored key material.
func (s *KeyStorage) List() []core.DID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.DID, 0, len(s.Keys))
	for d := range s.Keys {
		out = append(out, d)
	}
	return out
}

// Get returns the stored key for did.
func (s *KeyStorage) Get(did core.DID) (StoredKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.Keys[did]
	return k, ok
}

// FindByLabel returns the stored key with the given exact label.
func (s *KeyStorage) FindByLabel(label string) (StoredKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.Keys {
		if k.Label == label {
			return k, true
		}
	}
	return StoredKey{}, false
}

// SetDefault sets the store's default_did, per spec.md §3.8.
func (s *KeyStorage) SetDefault(did core.DID) error {
	const op = "keymanager.KeyStorage.SetDefault"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Keys[did]; !ok {
		return errs.New(errs.KeyManagement, op, "unknown DID: "+string(did))
	}
	s.DefaultDID = did
	s.UpdatedAt = s.nowFn()
	return nil
}

// MarshalJSON serializes the store as a single JSON document per spec.md §6.3.
func (s *KeyStorage) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type doc struct {
		Keys       map[core.DID]StoredKey `json:"keys"`
		DefaultDID core.DID               `json:"default_did,omitempty"`
		CreatedAt  int64                  `json:"created_at"`
		UpdatedAt  int64                  `json:"updated_at"`
	}
	return json.Marshal(doc{s.Keys, s.DefaultDID, s.CreatedAt, s.UpdatedAt})
}

// UnmarshalJSON restores a key storage document and rebuilds the label index.
func (s *KeyStorage) UnmarshalJSON(data []byte) error {
	type doc struct {
		Keys       map[core.DID]StoredKey `json:"keys"`
		DefaultDID core.DID               `json:"default_did,omitempty"`
		CreatedAt  int64                  `json:"created_at"`
		UpdatedAt  int64                  `json:"updated_at"`
	}
	var d doc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	s.Keys = d.Keys
	if s.Keys == nil {
		s.Keys = map[core.DID]StoredKey{}
	}
	s.DefaultDID = d.DefaultDID
	s.CreatedAt = d.CreatedAt
	s.UpdatedAt = d.UpdatedAt
	s.labels = map[string]bool{}
	for _, k := range s.Keys {
		s.labels[k.Label] = true
	}
	if s.nowFn == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
	}
	return nil
}
