package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidekit/oxidepm/pkg/logging"
)

func startTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(socketPath, logging.NewLogger("", logging.LogFuncs{}), handler)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, socketPath
}

func TestClientCallReceivesTerminalResponse(t *testing.T) {
	_, socketPath := startTestServer(t, func(ctx context.Context, req Request, send func(Response) error) Response {
		assert.Equal(t, ReqPing, req.Kind)
		return Response{Kind: RespOk}
	})

	c, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer c.Close()

	resps, err := c.Call(Request{Kind: ReqPing})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.Equal(t, RespOk, resps[0].Kind)
}

func TestClientCallCollectsStreamedFramesBeforeTerminal(t *testing.T) {
	_, socketPath := startTestServer(t, func(ctx context.Context, req Request, send func(Response) error) Response {
		send(Response{Kind: RespLogLine, LogText: "first"})
		send(Response{Kind: RespLogLine, LogText: "second"})
		return Response{Kind: RespOk}
	})

	c, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer c.Close()

	resps, err := c.Call(Request{Kind: ReqLogs})
	require.NoError(t, err)
	require.Len(t, resps, 3)
	assert.Equal(t, "first", resps[0].LogText)
	assert.Equal(t, "second", resps[1].LogText)
	assert.Equal(t, RespOk, resps[2].Kind)
}

func TestClientStreamStopsWhenOnFrameReturnsFalse(t *testing.T) {
	_, socketPath := startTestServer(t, func(ctx context.Context, req Request, send func(Response) error) Response {
		for i := 0; i < 5; i++ {
			if err := send(Response{Kind: RespLogLine, LogText: "line"}); err != nil {
				return Response{Kind: RespInternal}
			}
		}
		return Response{Kind: RespOk}
	})

	c, err := Dial(socketPath, time.Second)
	require.NoError(t, err)
	defer c.Close()

	seen := 0
	err = c.Stream(Request{Kind: ReqLogs}, func(resp Response) bool {
		seen++
		return seen < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestDialFailsWhenNoDaemonListening(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "absent.sock"), 100*time.Millisecond)
	assert.Error(t, err)
}
