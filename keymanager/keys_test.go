package keymanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapprotocol/tap/core"
)

func fixedClock(ts int64) func() int64 {
	return func() int64 { return ts }
}

func TestKeyStorageLabelAutoSuffix(t *testing.T) {
	s := NewKeyStorage(fixedClock(100))
	l1, err := s.Add(StoredKey{DID: "did:key:zA", Label: "wallet"})
	require.NoError(t, err)
	assert.Equal(t, "wallet", l1)

	l2, err := s.Add(StoredKey{DID: "did:key:zB", Label: "wallet"})
	require.NoError(t, err)
	assert.Equal(t, "wallet-2", l2)

	l3, err := s.Add(StoredKey{DID: "did:key:zC", Label: "wallet"})
	require.NoError(t, err)
	assert.Equal(t, "wallet-3", l3)
}

func TestKeyStorageSetDefaultRequiresKnownDID(t *testing.T) {
	s := NewKeyStorage(fixedClock(1))
	err := s.SetDefault("did:key:zNope")
	assert.Error(t, err)

	_, err = s.Add(StoredKey{DID: "did:key:zA", Label: "a"})
	require.NoError(t, err)
	require.NoError(t, s.SetDefault("did:key:zA"))
	assert.Equal(t, core.DID("did:key:zA"), s.DefaultDID)
}

func TestKeyStorageRemoveClearsDefault(t *testing.T) {
	s := NewKeyStorage(fixedClock(1))
	_, _ = s.Add(StoredKey{DID: "did:key:zA", Label: "a"})
	require.NoError(t, s.SetDefault("did:key:zA"))
	s.Remove("did:key:zA")
	assert.False(t, s.Has("did:key:zA"))
	assert.Equal(t, core.DID(""), s.DefaultDID)
}

func TestStoredKeyJSONRoundTripsBase64(t *testing.T) {
	sk := StoredKey{DID: "did:key:zA", Label: "a", KeyType: Ed25519, PrivateKey: []byte{1, 2, 3}, PublicKey: []byte{4, 5}}
	data, err := sk.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"private_key":"`)

	var got StoredKey
	require.NoError(t, got.UnmarshalJSON(data))
	assert.Equal(t, sk.PrivateKey, got.PrivateKey)
	assert.Equal(t, sk.PublicKey, got.PublicKey)
}

func TestKeyStorageJSONRoundTrip(t *testing.T) {
	s := NewKeyStorage(fixedClock(42))
	_, _ = s.Add(StoredKey{DID: "did:key:zA", Label: "a", KeyType: P256})
	require.NoError(t, s.SetDefault("did:key:zA"))

	data, err := s.MarshalJSON()
	require.NoError(t, err)

	restored := &KeyStorage{}
	require.NoError(t, restored.UnmarshalJSON(data))
	assert.True(t, restored.Has("did:key:zA"))
	assert.Equal(t, core.DID("did:key:zA"), restored.DefaultDID)

	_, err = restored.Add(StoredKey{DID: "did:key:zB", Label: "a"})
	require.NoError(t, err)
	got, _ := restored.FindByLabel("a-2")
	assert.Equal(t, core.DID("did:key:zB"), got.DID)
}

func TestDIDKeyFromPublicKeyRoundTrip(t *testing.T) {
	pub := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	did, err := DIDKeyFromPublicKey(Ed25519, pub)
	require.NoError(t, err)
	assert.Contains(t, string(did), "did:key:z")

	kt, recovered, err := rawBase58BTCPublicKey(did)
	require.NoError(t, err)
	assert.Equal(t, Ed25519, kt)
	assert.Equal(t, pub, recovered)
}

func TestDIDKeyFromPublicKeyUnsupportedType(t *testing.T) {
	_, err := DIDKeyFromPublicKey(KeyType("bogus"), []byte{1})
	assert.Error(t, err)
}
