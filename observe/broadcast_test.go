package observe

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct {
	calls int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, errors.New("observer gone")
}

func TestBroadcasterWritesPrimaryAndObservers(t *testing.T) {
	var primary, obs1, obs2 bytes.Buffer
	b := NewBroadcaster(&primary)
	b.Attach(&obs1)
	b.Attach(&obs2)

	n, err := b.Write([]byte("line one\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	assert.Equal(t, "line one\n", primary.String())
	assert.Equal(t, "line one\n", obs1.String())
	assert.Equal(t, "line one\n", obs2.String())
}

func TestBroadcasterDetachStopsDelivery(t *testing.T) {
	var primary, obs bytes.Buffer
	b := NewBroadcaster(&primary)
	b.Attach(&obs)

	_, err := b.Write([]byte("before\n"))
	require.NoError(t, err)

	b.Detach(&obs)

	_, err = b.Write([]byte("after\n"))
	require.NoError(t, err)

	assert.Equal(t, "before\n", obs.String())
	assert.Equal(t, "before\nafter\n", primary.String())
}

func TestBroadcasterDropsFailingObserver(t *testing.T) {
	var primary bytes.Buffer
	failing := &failingWriter{}
	b := NewBroadcaster(&primary)
	b.Attach(failing)

	_, err := b.Write([]byte("one\n"))
	require.NoError(t, err)
	_, err = b.Write([]byte("two\n"))
	require.NoError(t, err)

	// the failed observer was detached after its first error
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, "one\ntwo\n", primary.String())
}

func TestObserverWriterNeverBlocks(t *testing.T) {
	obs := &observerWriter{lines: make(chan []byte, 2)}

	for i := 0; i < 10; i++ {
		n, err := obs.Write([]byte("x\n"))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}
	// overflow lines were dropped, not queued
	assert.Len(t, obs.lines, 2)
}
