package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyValidateProofOfControl(t *testing.T) {
	assert.Error(t, Policy{Tag: PolicyRequireProofOfControl}.Validate())
	assert.NoError(t, Policy{Tag: PolicyRequireProofOfControl, Nonce: "n1"}.Validate())
	assert.Error(t, Policy{Tag: PolicyRequireProofOfControl, Nonce: "n1", AddressID: "a1"}.Validate())
}

func TestPolicySetMergeReplacesByTag(t *testing.T) {
	orig := PolicySet{
		{Tag: PolicyRequireAuthorization, FromRole: "compliance"},
		{Tag: PolicyRequirePresentation, Context: []string{"a"}},
	}
	updates := PolicySet{
		{Tag: PolicyRequireAuthorization, FromRole: "settlementAddress"},
	}
	merged := orig.Merge(updates)
	assert.Len(t, merged, 2)
	for _, p := range merged {
		if p.Tag == PolicyRequireAuthorization {
			assert.Equal(t, "settlementAddress", p.FromRole)
		}
	}
}

func TestPolicyTargetsIVMS101(t *testing.T) {
	p := Policy{Tag: PolicyRequirePresentation, Context: []string{"https://intervasp.org/ivms101"}}
	assert.True(t, p.TargetsIVMS101())
	assert.False(t, Policy{Tag: PolicyRequireAuthorization}.TargetsIVMS101())
}
