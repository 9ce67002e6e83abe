package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvitationValidate(t *testing.T) {
	inv := NewInvitation("did:key:zm", GoalPayment, "", nil)
	require.NoError(t, inv.Validate())

	inv.Body.GoalCode = "tap.bogus"
	assert.Error(t, inv.Validate())

	inv.Body.GoalCode = GoalPayment
	inv.Body.Accept = nil
	assert.Error(t, inv.Validate())
}

func TestOOBURLRoundTrip(t *testing.T) {
	inv := NewInvitation("did:key:zm", GoalPayment, "checkout", map[string]any{"amount": "250.00"})
	url, err := ToURL(inv, "https://pay.example/checkout")
	require.NoError(t, err)

	got, err := FromURL(url)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, inv.From, got.From)
	assert.Equal(t, inv.Body.GoalCode, got.Body.GoalCode)
	assert.Equal(t, "250.00", got.Body.Extra["amount"])
}

func TestShortLinkRoundTrip(t *testing.T) {
	url, err := ToShortURL("inv-123", "https://pay.example/checkout")
	require.NoError(t, err)
	id, err := ShortLinkID(url)
	require.NoError(t, err)
	assert.Equal(t, "inv-123", id)
}

func TestPaymentLink(t *testing.T) {
	inv := NewPaymentLink("did:key:zm", []byte(`{"payload":"x","signatures":[]}`))
	require.NoError(t, inv.Validate())
	assert.Equal(t, GoalPayment, inv.Body.GoalCode)
	require.Len(t, inv.Attachments, 1)
	assert.Equal(t, SignedJWSMediaType, inv.Attachments[0].MediaType)
}
