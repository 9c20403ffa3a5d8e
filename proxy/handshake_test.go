package proxy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const handshakeMsg = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"t"}}}`

func TestRecorderCapturesFirstHandshakeOnly(t *testing.T) {
	r := NewRecorder("initialize")
	require.False(t, r.Captured())

	r.Observe([]byte(handshakeMsg))
	require.True(t, r.Captured())

	// a re-handshake attempt by the client is not re-captured
	r.Observe([]byte(`{"jsonrpc":"2.0","id":9,"method":"initialize","params":{}}`))

	var buf bytes.Buffer
	require.NoError(t, r.Replay(&buf))
	assert.Equal(t, handshakeMsg+"\n", buf.String())
}

func TestRecorderIgnoresNonHandshakeFirstMessage(t *testing.T) {
	r := NewRecorder("initialize")

	r.Observe([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	assert.False(t, r.Captured())

	// even a later initialize is too late: only the first message counts
	r.Observe([]byte(handshakeMsg))
	assert.False(t, r.Captured())

	// replay without a capture is a no-op
	var buf bytes.Buffer
	require.NoError(t, r.Replay(&buf))
	assert.Zero(t, buf.Len())
}

func TestRecorderSuppressesExactlyOneReplayedReply(t *testing.T) {
	r := NewRecorder("initialize")
	r.Observe([]byte(handshakeMsg))

	// nothing is suppressed before a replay
	reply := []byte(`{"jsonrpc":"2.0","id":1,"result":{"serverInfo":{}}}`)
	assert.False(t, r.SuppressReply(reply))

	var buf bytes.Buffer
	require.NoError(t, r.Replay(&buf))

	// child requests and notifications pass through even while armed
	assert.False(t, r.SuppressReply([]byte(`{"jsonrpc":"2.0","method":"notifications/ready"}`)))
	assert.False(t, r.SuppressReply([]byte(`{"jsonrpc":"2.0","id":1,"method":"roots/list"}`)))
	assert.False(t, r.SuppressReply([]byte(`{"jsonrpc":"2.0","id":2,"result":{}}`)))

	// the reply to the replayed handshake is swallowed exactly once
	assert.True(t, r.SuppressReply(reply))
	assert.False(t, r.SuppressReply(reply))
}

func TestRecorderReplayRearmsEachRestart(t *testing.T) {
	r := NewRecorder("initialize")
	r.Observe([]byte(handshakeMsg))

	reply := []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		require.NoError(t, r.Replay(&buf))
		assert.Equal(t, handshakeMsg+"\n", buf.String(), "restart %d", i)
		assert.True(t, r.SuppressReply(reply), "restart %d", i)
		assert.False(t, r.SuppressReply(reply), "restart %d", i)
	}
}

func TestRecorderMatchesStringIDs(t *testing.T) {
	r := NewRecorder("initialize")
	r.Observe([]byte(`{"jsonrpc":"2.0","id":"init-1","method":"initialize"}`))

	var buf bytes.Buffer
	require.NoError(t, r.Replay(&buf))

	assert.False(t, r.SuppressReply([]byte(`{"jsonrpc":"2.0","id":"other","result":{}}`)))
	assert.True(t, r.SuppressReply([]byte(`{"jsonrpc":"2.0","id":"init-1","result":{}}`)))
}
