package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/keymanager"
)

type fakeResolver struct {
	docs map[core.DID]*DidDocument
}

func newFakeResolver() *fakeResolver { return &fakeResolver{docs: map[core.DID]*DidDocument{}} }

func (f *fakeResolver) register(mgr *keymanager.Manager, did core.DID) {
	pub, _, _ := mgr.PublicKeyFor(did)
	f.docs[did] = &DidDocument{
		ID: string(did),
		VerificationMethod: []VerificationMethod{
			{ID: string(did) + "#1", Type: "Ed25519VerificationKey2020", PublicKeyBase: pub},
		},
	}
}

func (f *fakeResolver) Resolve(ctx context.Context, did core.DID) (*DidDocument, error) {
	doc, ok := f.docs[did]
	if !ok {
		return nil, assert.AnError
	}
	return doc, nil
}

func samplePlainMessage(from core.DID, to []core.DID) *core.PlainMessage {
	now := int64(1700000000)
	return &core.PlainMessage{
		ID:          "msg-1",
		Typ:         core.PlainTyp,
		Type:        "https://tap.rsvp/schema/1.0#TrustPing",
		From:        from,
		To:          to,
		Body:        map[string]any{"comment": "hi"},
		CreatedTime: &now,
	}
}

func TestPackUnpackPlain(t *testing.T) {
	mgr := keymanager.NewManager(nil, nil)
	alice, err := mgr.Generate(keymanager.Ed25519, "alice")
	require.NoError(t, err)

	m := samplePlainMessage(alice.DID, nil)
	wire, err := Pack(context.Background(), mgr, nil, m, PackOptions{SecurityMode: Plain})
	require.NoError(t, err)

	got, sender, err := Unpack(context.Background(), mgr, nil, wire)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, alice.DID, sender)
}

func TestPackUnpackSignedRoundTrip(t *testing.T) {
	mgr := keymanager.NewManager(nil, nil)
	alice, err := mgr.Generate(keymanager.Ed25519, "alice")
	require.NoError(t, err)

	resolver := newFakeResolver()
	resolver.register(mgr, alice.DID)

	m := samplePlainMessage(alice.DID, nil)
	wire, err := Pack(context.Background(), mgr, resolver, m, PackOptions{
		SecurityMode: Signed,
		SignerKid:    string(alice.DID) + "#1",
	})
	require.NoError(t, err)

	got, sender, err := Unpack(context.Background(), mgr, resolver, wire)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, alice.DID, sender)
}

func TestUnpackSignedRejectsSenderMismatch(t *testing.T) {
	mgr := keymanager.NewManager(nil, nil)
	alice, err := mgr.Generate(keymanager.Ed25519, "alice")
	require.NoError(t, err)
	eve, err := mgr.Generate(keymanager.Ed25519, "eve")
	require.NoError(t, err)

	resolver := newFakeResolver()
	resolver.register(mgr, alice.DID)
	resolver.register(mgr, eve.DID)

	m := samplePlainMessage(eve.DID, nil) // claims to be from eve
	wire, err := Pack(context.Background(), mgr, resolver, m, PackOptions{
		SecurityMode: Signed,
		SignerKid:    string(alice.DID) + "#1", // but signed by alice
	})
	require.NoError(t, err)

	_, _, err = Unpack(context.Background(), mgr, resolver, wire)
	assert.Error(t, err)
}

func TestPackUnpackAuthCryptRoundTrip(t *testing.T) {
	mgr := keymanager.NewManager(nil, nil)
	alice, err := mgr.Generate(keymanager.Ed25519, "alice")
	require.NoError(t, err)
	bob, err := mgr.Generate(keymanager.Ed25519, "bob")
	require.NoError(t, err)

	resolver := newFakeResolver()
	resolver.register(mgr, alice.DID)
	resolver.register(mgr, bob.DID)

	m := samplePlainMessage(alice.DID, []core.DID{bob.DID})
	wire, err := Pack(context.Background(), mgr, resolver, m, PackOptions{
		SecurityMode:  AuthCrypt,
		SignerKid:     string(alice.DID) + "#1",
		RecipientKids: []string{string(bob.DID) + "#1"},
	})
	require.NoError(t, err)

	got, sender, err := Unpack(context.Background(), mgr, resolver, wire)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Body["comment"], got.Body["comment"])
	assert.Equal(t, alice.DID, sender)
}

func TestPackUnpackAnonCryptRoundTrip(t *testing.T) {
	mgr := keymanager.NewManager(nil, nil)
	alice, err := mgr.Generate(keymanager.Ed25519, "alice")
	require.NoError(t, err)
	bob, err := mgr.Generate(keymanager.Ed25519, "bob")
	require.NoError(t, err)

	resolver := newFakeResolver()
	resolver.register(mgr, bob.DID)

	m := samplePlainMessage(alice.DID, []core.DID{bob.DID})
	wire, err := Pack(context.Background(), mgr, resolver, m, PackOptions{
		SecurityMode:  AnonCrypt,
		RecipientKids: []string{string(bob.DID) + "#1"},
	})
	require.NoError(t, err)

	got, sender, err := Unpack(context.Background(), mgr, resolver, wire)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, core.DID(""), sender) // AnonCrypt does not authenticate a sender
}

func TestValidateTimestampsBoundary(t *testing.T) {
	now := time.Unix(1700000000, 0)
	drift := 60 * time.Second

	atBoundary := now.Unix() + 60
	err := ValidateTimestamps(&core.PlainMessage{CreatedTime: &atBoundary}, now, drift)
	assert.NoError(t, err)

	pastBoundary := now.Unix() + 61
	err = ValidateTimestamps(&core.PlainMessage{CreatedTime: &pastBoundary}, now, drift)
	assert.Error(t, err)
}

func TestValidateTimestampsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	expired := now.Unix() - 1
	err := ValidateTimestamps(&core.PlainMessage{ExpiresTime: &expired}, now, 60*time.Second)
	assert.Error(t, err)
}

func TestValidateTimestampsMillisecondConvention(t *testing.T) {
	now := time.Unix(1700000000, 0)
	futureMs := (now.Unix() + 10) * 1000
	err := ValidateTimestamps(&core.PlainMessage{CreatedTime: &futureMs}, now, 60*time.Second)
	assert.NoError(t, err)
}
