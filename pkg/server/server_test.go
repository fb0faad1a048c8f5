package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraticus/syncd/pkg/cluster"
	"github.com/veraticus/syncd/pkg/storage"
	"github.com/veraticus/syncd/pkg/wire"
)

func startTestServer(t *testing.T) (*Server, net.Addr) {
	t.Helper()

	cfg := Config{
		ServerName:            "srv-1",
		ListenAddr:            "127.0.0.1:0",
		BroadcastTimeout:      time.Millisecond,
		RPCAckTimeout:         time.Second,
		RPCResponseTimeout:    time.Second,
		ListenResponseTimeout: time.Second,
	}

	srv, err := New(cfg, storage.NewMemory(), cluster.NewMemory(cfg.ServerName))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	go func() {
		for {
			if addr := srv.Addr(); addr != nil {
				ready <- addr
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return srv, <-ready
}

func TestServerStatusTracksConnectedSockets(t *testing.T) {
	srv, addr := startTestServer(t)

	status := srv.Status()
	assert.Equal(t, "srv-1", status.ServerName)
	assert.Equal(t, 0, status.ConnectedSockets)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.Status().ConnectedSockets == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServerRoundTripsUpdateBetweenTwoClients(t *testing.T) {
	_, addr := startTestServer(t)

	a, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer b.Close()

	readFrame := wire.EncodeString(wire.TopicRecord, wire.ActionRead, "foo")
	_, err = a.Write(readFrame)
	require.NoError(t, err)
	_, err = b.Write(readFrame)
	require.NoError(t, err)

	updateFrame := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "1-aaa", `"hello"`)
	_, err = a.Write(updateFrame)
	require.NoError(t, err)

	reader := bufio.NewReader(b)
	buf := make([]byte, 0, 256)
	deadline := time.Now().Add(2 * time.Second)
	b.SetReadDeadline(deadline)
	for {
		chunk := make([]byte, 256)
		n, rerr := reader.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if f, _, serr := wire.Split(buf); serr == nil && f.Action == wire.ActionUpdate {
			assert.Equal(t, "foo", string(f.Data[0]))
			assert.Equal(t, `"hello"`, string(f.Data[2]))
			return
		}
		if rerr != nil || time.Now().After(deadline) {
			t.Fatalf("never received UPDATE: err=%v buf=%q", rerr, buf)
		}
	}
}
