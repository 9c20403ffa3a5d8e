package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	internalnet "github.com/respawn-sh/respawn/internal/net"
	"github.com/respawn-sh/respawn/supervisor"
)

type nopLauncher struct{}

func (nopLauncher) Launch(ctx context.Context) (supervisor.Proc, error) {
	return nil, errors.New("not launchable")
}

type nopReplayer struct{}

func (nopReplayer) Replay(io.Writer) error { return nil }

func newTestServer(t *testing.T, bcast *Broadcaster) (*Server, string) {
	t.Helper()

	sup := supervisor.New(supervisor.Config{
		CleanCode:   0,
		RestartCode: 86,
		Policy:      supervisor.DefaultPolicy(),
	}, nopLauncher{}, nopReplayer{}, clock.New(), zap.NewNop().Sugar())

	addr, err := internalnet.EphemeralAddr()
	require.NoError(t, err)

	srv := NewServer(sup, bcast, WithListenAddr(addr))
	go func() {
		if err := srv.Run(); err != nil {
			t.Logf("server stopped: %s", err)
		}
	}()
	t.Cleanup(func() { srv.Stop() })

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond, "server never came up on %s", addr)

	return srv, addr
}

func TestStopBeforeRunDoesNotLeakListener(t *testing.T) {
	sup := supervisor.New(supervisor.Config{
		CleanCode:   0,
		RestartCode: 86,
		Policy:      supervisor.DefaultPolicy(),
	}, nopLauncher{}, nopReplayer{}, clock.New(), zap.NewNop().Sugar())

	addr, err := internalnet.EphemeralAddr()
	require.NoError(t, err)

	srv := NewServer(sup, NewBroadcaster(io.Discard), WithListenAddr(addr))
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Run())

	// Run released the listener instead of serving on it
	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	listener.Close()
}

func TestStatusReportsSupervisorSnapshot(t *testing.T) {
	_, addr := newTestServer(t, NewBroadcaster(io.Discard))

	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap supervisor.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, supervisor.StateNoChild, snap.State)
	assert.Equal(t, 0, snap.RestartCount)
	assert.False(t, snap.RestartPending)
}

func TestDiagnosticsStreamsBroadcastLines(t *testing.T) {
	bcast := NewBroadcaster(io.Discard)
	_, addr := newTestServer(t, bcast)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsConn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/diagnostics", addr), nil)
	require.NoError(t, err)
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	// the observer attaches asynchronously with respect to Dial returning,
	// so keep writing until a line comes back
	read := make(chan []byte, 1)
	go func() {
		_, data, err := wsConn.Read(ctx)
		if err == nil {
			read <- data
		}
	}()

	var got []byte
	for got == nil {
		_, err := bcast.Write([]byte("child started: pid=42\n"))
		require.NoError(t, err)
		select {
		case got = <-read:
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("timed out waiting for a diagnostics line")
		}
	}
	assert.Contains(t, string(got), "child started: pid=42")
}
