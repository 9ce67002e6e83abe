package keymanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerGenerateEachKeyType(t *testing.T) {
	m := NewManager(nil, nil)
	for _, kt := range []KeyType{Ed25519, P256, Secp256k1} {
		sk, err := m.Generate(kt, "wallet")
		require.NoError(t, err, "key type %s", kt)
		assert.True(t, m.Has(sk.DID))
		assert.NotEmpty(t, sk.PrivateKey)
		assert.NotEmpty(t, sk.PublicKey)
	}
}

func TestManagerGenerateLabelCollision(t *testing.T) {
	m := NewManager(nil, nil)
	a, err := m.Generate(Ed25519, "wallet")
	require.NoError(t, err)
	b, err := m.Generate(Ed25519, "wallet")
	require.NoError(t, err)
	assert.Equal(t, "wallet", a.Label)
	assert.Equal(t, "wallet-2", b.Label)
}

func TestManagerGenerateWebUsesDIDWeb(t *testing.T) {
	m := NewManager(nil, nil)
	sk, err := m.GenerateWeb("vasp.example", Ed25519, "web")
	require.NoError(t, err)
	assert.Equal(t, "did:web:vasp.example", string(sk.DID))
	assert.True(t, m.Has(sk.DID))
}

func TestManagerSignAndVerifyEd25519(t *testing.T) {
	m := NewManager(nil, nil)
	sk, err := m.Generate(Ed25519, "wallet")
	require.NoError(t, err)

	payload := []byte("hello tap")
	sig, err := m.Sign(string(sk.DID), payload)
	require.NoError(t, err)

	alg, err := AlgForKeyType(Ed25519)
	require.NoError(t, err)
	ok, err := Verify(alg, sk.PublicKey, payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(alg, sk.PublicKey, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerSignAndVerifyP256(t *testing.T) {
	m := NewManager(nil, nil)
	sk, err := m.Generate(P256, "p256")
	require.NoError(t, err)

	payload := []byte("authorize this")
	sig, err := m.Sign(string(sk.DID), payload)
	require.NoError(t, err)

	ok, err := Verify("ES256", sk.PublicKey, payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManagerSignAndVerifySecp256k1(t *testing.T) {
	m := NewManager(nil, nil)
	sk, err := m.Generate(Secp256k1, "k1")
	require.NoError(t, err)

	payload := []byte("transfer 10 usdc")
	sig, err := m.Sign(string(sk.DID), payload)
	require.NoError(t, err)

	ok, err := Verify("ES256K", sk.PublicKey, payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManagerSignWithDIDURLKid(t *testing.T) {
	m := NewManager(nil, nil)
	sk, err := m.Generate(Ed25519, "wallet")
	require.NoError(t, err)

	sig, err := m.Sign(string(sk.DID)+"#key-1", []byte("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
}

func TestManagerSignUnknownKid(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Sign("did:key:zUnknown", []byte("x"))
	assert.Error(t, err)
}

func TestManagerFindKidForRecipient(t *testing.T) {
	m := NewManager(nil, nil)
	sk, err := m.Generate(Ed25519, "wallet")
	require.NoError(t, err)

	kid, did, ok := m.FindKidForRecipient([]string{"did:key:zOther#1", string(sk.DID) + "#1"})
	require.True(t, ok)
	assert.Equal(t, sk.DID, did)
	assert.Equal(t, string(sk.DID)+"#1", kid)

	_, _, ok = m.FindKidForRecipient([]string{"did:key:zOther#1"})
	assert.False(t, ok)
}

func TestManagerPrivateKeyForReturnsCopy(t *testing.T) {
	m := NewManager(nil, nil)
	sk, err := m.Generate(Ed25519, "wallet")
	require.NoError(t, err)

	priv, kt, err := m.PrivateKeyFor(sk.DID)
	require.NoError(t, err)
	assert.Equal(t, Ed25519, kt)
	Zero(priv)

	priv2, _, err := m.PrivateKeyFor(sk.DID)
	require.NoError(t, err)
	assert.NotEqual(t, priv, priv2)
}
