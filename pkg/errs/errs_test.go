package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsNil(t *testing.T) {
	require.Nil(t, Wrap(Crypto, "envelope.Unpack", "decrypt failed", nil))
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("bad tag")
	e := Wrap(Crypto, "envelope.Unpack", "decrypt failed", cause)
	require.Error(t, e)
	assert.Contains(t, e.Error(), "decrypt failed")
	assert.Contains(t, e.Error(), "bad tag")
	assert.ErrorIs(t, e, cause)
}

func TestIsMatchesKind(t *testing.T) {
	err := New(Validation, "core.Validate", "missing from")
	assert.True(t, Is(err, Validation))
	assert.False(t, Is(err, Crypto))
	assert.False(t, Is(errors.New("plain"), Validation))
}
