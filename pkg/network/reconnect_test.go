package network

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = Backoff{Initial: 20 * time.Millisecond, Max: 50 * time.Millisecond}

// freeAddr returns a loopback address nothing listens on
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second}

	var got []time.Duration
	var d time.Duration
	for i := 0; i < 5; i++ {
		d = b.next(d)
		got = append(got, d)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	assert.Equal(t, want, got)
}

func TestConnectRetryWaitsForServer(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	addr := freeAddr(t)

	type result struct {
		conn *Connection
		err  error
	}
	ctx := testContext(t)
	done := make(chan result, 1)
	go func() {
		conn, err := env.client.ConnectRetry(ctx, addr, fastBackoff)
		done <- result{conn, err}
	}()

	time.Sleep(150 * time.Millisecond)

	sk, _, _ := testKeys(t)
	cfg := DefaultServerConfig()
	cfg.Authenticator = env.auth
	cfg.Logger = quietLogger()
	late, err := NewServer(sk, cfg)
	require.NoError(t, err)
	require.NoError(t, late.Start(addr))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = late.Shutdown(ctx, "done")
	})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		t.Cleanup(func() { _ = r.conn.Close() })
		assert.True(t, r.conn.Validated())
	case <-time.After(waitTimeout):
		t.Fatal("ConnectRetry did not connect")
	}
}

func TestConnectRetryRefusalIsFinal(t *testing.T) {
	env := newTestEnv(t, nil, nil, func(_ *ServerConfig, cc *ClientConfig) {
		cc.ID = uuid.New()
	})

	start := time.Now()
	conn, err := env.client.ConnectRetry(testContext(t), env.server.Addr().String(), Backoff{Initial: time.Second, Max: time.Second})
	assert.Nil(t, conn)

	var herr *HandshakeError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, RefuseUnauthorized, herr.Cause)
	assert.Less(t, time.Since(start), time.Second, "refusal was retried")
}

func TestConnectRetryRetriesClosedSockets(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	// a server that restarts: it accepts and closes before the handshake
	var accepted atomic.Int32
	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			nc.Close()
		}
	}()

	env := newTestEnv(t, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = env.client.ConnectRetry(ctx, l.Addr().String(), fastBackoff)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, accepted.Load(), int32(2), "closed socket was not retried")
}

func TestConnectRetryStopsWithContext(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := env.client.ConnectRetry(ctx, freeAddr(t), fastBackoff)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeepalive(t *testing.T) {
	var hits atomic.Int32
	reg := NewRegistry()
	reg.HandleFunc("keepalive", func(req *Request, resp *Responder) error {
		hits.Add(1)
		return resp.RespondEmpty(codeOK)
	})

	env := newTestEnv(t, reg, nil, nil)
	conn := env.mustConnect(t)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		Keepalive(ctx, conn, "keepalive", 20*time.Millisecond)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, waitTimeout, 5*time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Keepalive did not stop")
	}
}

func TestKeepaliveStopsWhenConnectionCloses(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	conn := env.mustConnect(t)

	stopped := make(chan struct{})
	go func() {
		Keepalive(context.Background(), conn, "anything", time.Hour)
		close(stopped)
	}()

	require.NoError(t, conn.Close())
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Keepalive outlived its connection")
	}
}
