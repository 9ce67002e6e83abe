package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateEdKeyPairForTest(t *testing.T) (priv, pub []byte) {
	t.Helper()
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return []byte(sk), []byte(pk)
}

func TestAESKeyWrapRoundTrip(t *testing.T) {
	kek := randomBytes(32)
	cek := randomBytes(32)

	wrapped, err := aesKeyWrap(kek, cek)
	require.NoError(t, err)
	assert.Len(t, wrapped, len(cek)+8)

	unwrapped, err := aesKeyUnwrap(kek, wrapped)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(cek, unwrapped))
}

func TestAESKeyUnwrapRejectsTamperedInput(t *testing.T) {
	kek := randomBytes(32)
	cek := randomBytes(32)
	wrapped, err := aesKeyWrap(kek, cek)
	require.NoError(t, err)
	wrapped[0] ^= 0xFF

	_, err = aesKeyUnwrap(kek, wrapped)
	assert.Error(t, err)
}

func TestConcatKDFIsDeterministic(t *testing.T) {
	z := randomBytes(32)
	otherInfo := concatOtherInfo([]byte("ECDH-ES+A256KW"), []byte("alice"), []byte("bob"), 256)
	k1 := concatKDF(z, 256, otherInfo)
	k2 := concatKDF(z, 256, otherInfo)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestContentEncryptionRoundTripCBCHS512(t *testing.T) {
	cek := randomBytes(A256CBCHS512KeyLen)
	aad := []byte("protected-header")
	plaintext := []byte(`{"hello":"world"}`)

	iv, ciphertext, tag, err := encryptA256CBCHS512(cek, plaintext, aad)
	require.NoError(t, err)

	got, err := decryptA256CBCHS512(cek, iv, ciphertext, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestContentEncryptionRejectsTamperedTagCBCHS512(t *testing.T) {
	cek := randomBytes(A256CBCHS512KeyLen)
	aad := []byte("protected-header")
	iv, ciphertext, tag, err := encryptA256CBCHS512(cek, []byte("secret"), aad)
	require.NoError(t, err)
	tag[0] ^= 0xFF

	_, err = decryptA256CBCHS512(cek, iv, ciphertext, tag, aad)
	assert.Error(t, err)
}

func TestContentEncryptionRoundTripGCM(t *testing.T) {
	cek := randomBytes(A256GCMKeyLen)
	aad := []byte("protected-header")
	plaintext := []byte(`{"hello":"gcm"}`)

	iv, ciphertext, tag, err := encryptA256GCM(cek, plaintext, aad)
	require.NoError(t, err)

	got, err := decryptA256GCM(cek, iv, ciphertext, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEd25519ToX25519ConversionAgreesBothSides(t *testing.T) {
	alicePriv, alicePub := generateEdKeyPairForTest(t)
	bobPriv, bobPub := generateEdKeyPairForTest(t)

	aliceScalar, err := ed25519SeedToX25519Scalar(alicePriv)
	require.NoError(t, err)
	bobPubX, err := ed25519PublicToX25519(bobPub)
	require.NoError(t, err)

	bobScalar, err := ed25519SeedToX25519Scalar(bobPriv)
	require.NoError(t, err)
	alicePubX, err := ed25519PublicToX25519(alicePub)
	require.NoError(t, err)

	sharedAtAlice, err := ecdh(aliceScalar, bobPubX)
	require.NoError(t, err)
	sharedAtBob, err := ecdh(bobScalar, alicePubX)
	require.NoError(t, err)
	assert.Equal(t, sharedAtAlice, sharedAtBob)
}
