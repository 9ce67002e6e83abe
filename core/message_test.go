package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainMessageValidate(t *testing.T) {
	m := &PlainMessage{ID: "1", Typ: PlainTyp, Type: "x", From: "did:key:za", To: []DID{"did:key:zb"}}
	require.NoError(t, m.Validate())

	bad := &PlainMessage{ID: "", Typ: PlainTyp, Type: "x", From: "did:key:za"}
	assert.Error(t, bad.Validate())

	badDID := &PlainMessage{ID: "1", Typ: PlainTyp, Type: "x", From: "did:key:za", To: []DID{"nope"}}
	assert.Error(t, badDID.Validate())
}

func TestThreadOrID(t *testing.T) {
	m := &PlainMessage{ID: "msg-1"}
	assert.Equal(t, "msg-1", m.ThreadOrID())
	m.Thid = "thread-1"
	assert.Equal(t, "thread-1", m.ThreadOrID())
}

func TestNormalizeTimestamp(t *testing.T) {
	assert.Equal(t, int64(100), NormalizeTimestamp(100))
	assert.Equal(t, int64(10_000_000), NormalizeTimestamp(10_000_000_000))
	assert.Equal(t, int64(10_000_000), NormalizeTimestamp(10_000_000_000_000)/1000)
}

func TestReplyCorrelatesThread(t *testing.T) {
	trigger := &PlainMessage{ID: "ping-1", Pthid: "root"}
	r := Reply(trigger, "pong-1", "did:key:zb", []DID{"did:key:za"}, "x", map[string]any{})
	assert.Equal(t, "ping-1", r.Thid)
	assert.Equal(t, "root", r.Pthid)

	trigger2 := &PlainMessage{ID: "m2", Thid: "thread-2"}
	r2 := Reply(trigger2, "reply-2", "did:key:zb", nil, "x", map[string]any{})
	assert.Equal(t, "thread-2", r2.Thid)
}
