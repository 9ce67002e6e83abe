package eventbus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapprotocol/tap/core"
)

func TestEventLoggerCallbackSinkReceivesFields(t *testing.T) {
	var got logrus.Fields
	handler, err := EventLogger(LoggerOptions{
		Sink: SinkCallback,
		Callback: func(fields logrus.Fields) {
			got = fields
		},
	})
	require.NoError(t, err)

	now := int64(1700000000)
	handler(NodeEvent{
		Kind:     MessageReceived,
		At:       now,
		AgentDID: "did:key:zAgent",
		Message:  &core.PlainMessage{ID: "m1", Type: "TrustPing", From: "did:key:zFrom"},
	})

	require.NotNil(t, got)
	assert.Equal(t, "MessageReceived", got["kind"])
	assert.Equal(t, "m1", got["message_id"])
	assert.Equal(t, "did:key:zFrom", got["from"])
}

func TestEventLoggerFileSinkAcceptsSubMegabyteRotateBytes(t *testing.T) {
	dir := t.TempDir()
	handler, err := EventLogger(LoggerOptions{
		Sink:        SinkFile,
		FilePath:    dir + "/events.log",
		RotateBytes: 1024,
	})
	require.NoError(t, err)
	handler(NodeEvent{Kind: AgentRegistered, At: 1})
}
