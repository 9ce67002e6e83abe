package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDIDValid(t *testing.T) {
	assert.True(t, DID("did:key:z6Mk").Valid())
	assert.True(t, DID("did:web:example.com").Valid())
	assert.False(t, DID("").Valid())
	assert.False(t, DID("not-a-did").Valid())
	assert.False(t, DID("did:UPPER:abc").Valid())
}

func TestValidateDIDs(t *testing.T) {
	assert.NoError(t, ValidateDIDs("op", []DID{"did:key:a", "did:key:b"}))
	assert.Error(t, ValidateDIDs("op", []DID{"did:key:a", "bad"}))
}
