package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/network"
	"github.com/atlasworld/atlasnet/pkg/protocol"
)

func connect(t *testing.T) (*network.Connection, uuid.UUID) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	srvKey, err := crypto.GenerateRSAKeySize(1024)
	require.NoError(t, err)
	cliKey, err := crypto.GenerateRSAKeySize(1024)
	require.NoError(t, err)

	id := uuid.New()
	auth := network.NewStaticAuthenticator()
	auth.Trust(id, &cliKey.PublicKey)

	sc := network.DefaultServerConfig()
	sc.Logger = logger
	sc.Authenticator = auth
	sc.Registry = NewRegistry()

	server, err := network.NewServer(srvKey, sc)
	require.NoError(t, err)
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx, "done")
	})

	cc := network.DefaultClientConfig()
	cc.Logger = logger
	cc.ID = id

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := network.NewClient(cliKey, cc).Connect(ctx, server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, id
}

func TestBuiltinHandlers(t *testing.T) {
	conn, id := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("Ping", func(t *testing.T) {
		rtt, err := Ping(ctx, conn)
		require.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
	})

	t.Run("Echo", func(t *testing.T) {
		got, err := Echo(ctx, conn, []byte("hello atlas"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello atlas"), got)
	})

	t.Run("WhoAmI", func(t *testing.T) {
		got, err := WhoAmI(ctx, conn)
		require.NoError(t, err)
		assert.Equal(t, id.String(), got)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := call(ctx, conn, "atlas:nothing", nil)
		assert.ErrorIs(t, err, protocol.ErrUnknownRequest)
	})
}

func TestDelayOutlivesRequestTimeout(t *testing.T) {
	conn, _ := connect(t)
	conn.SetTimeout(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, Delay(ctx, conn, 600*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)
}

func TestDelayRejectsBadPayload(t *testing.T) {
	conn, _ := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not a duration", payload: "soon"},
		{name: "negative", payload: "-1s"},
		{name: "too long", payload: (MaxDelay + time.Second).String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(ctx, conn, DelayKey, []byte(tt.payload))
			assert.ErrorIs(t, err, protocol.ErrPayloadInvalid)
		})
	}
}
