package network

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// groupMember returns a validated connection whose peer drains writes
func groupMember(t *testing.T, opts *Options) *Connection {
	t.Helper()
	c, remote := pipeConnection(t, opts)
	go io.Copy(io.Discard, remote)
	validate(t, c)
	return c
}

func TestGroupRegister(t *testing.T) {
	opts := testOptions(newRecorder())

	tests := []struct {
		name    string
		setup   func(t *testing.T, g *Group) *Connection
		wantErr error
	}{
		{
			name: "validated",
			setup: func(t *testing.T, g *Group) *Connection {
				return groupMember(t, &opts)
			},
		},
		{
			name: "not validated",
			setup: func(t *testing.T, g *Group) *Connection {
				c, _ := pipeConnection(t, &opts)
				return c
			},
			wantErr: ErrNotValidated,
		},
		{
			name: "registered twice",
			setup: func(t *testing.T, g *Group) *Connection {
				c := groupMember(t, &opts)
				require.NoError(t, g.Register(c))
				return c
			},
			wantErr: ErrAlreadyRegistered,
		},
		{
			name: "member of another group",
			setup: func(t *testing.T, g *Group) *Connection {
				c := groupMember(t, &opts)
				require.NoError(t, NewGroup().Register(c))
				return c
			},
			wantErr: ErrAlreadyRegistered,
		},
		{
			name: "closed",
			setup: func(t *testing.T, g *Group) *Connection {
				c := groupMember(t, &opts)
				require.NoError(t, c.Close())
				return c
			},
			wantErr: ErrConnectionClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGroup()
			c := tt.setup(t, g)

			err := g.Register(c)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, ok := g.Retrieve(c.ID())
			require.True(t, ok)
			assert.Same(t, c, got)
		})
	}
}

func TestGroupRegisterClosedLeavesNoGroup(t *testing.T) {
	opts := testOptions(newRecorder())
	c := groupMember(t, &opts)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, NewGroup().Register(c), ErrConnectionClosed)
	assert.Nil(t, c.group.Load())
	// a second group sees the closed connection, not a foreign membership
	assert.ErrorIs(t, NewGroup().Register(c), ErrConnectionClosed)
}

func TestGroupLeavesOnClose(t *testing.T) {
	opts := testOptions(newRecorder())
	g := NewGroup()

	a := groupMember(t, &opts)
	b := groupMember(t, &opts)
	require.NoError(t, g.Register(a))
	require.NoError(t, g.Register(b))
	assert.Equal(t, 2, g.Len())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, g.Len())
	_, ok := g.Retrieve(a.ID())
	assert.False(t, ok)

	assert.False(t, g.Unregister(a))
	assert.True(t, g.Unregister(b))
	assert.Equal(t, 0, g.Len())
}

func TestGroupConcurrentRegister(t *testing.T) {
	opts := testOptions(newRecorder())
	g := NewGroup()

	conns := make([]*Connection, 50)
	for i := range conns {
		conns[i] = groupMember(t, &opts)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(conns)*2)
	for _, c := range conns {
		c := c
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- g.Register(c)
		}()
		go func() {
			defer wg.Done()
			_ = g.Connections()
			_ = g.AveragePing()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, len(conns), g.Len())
	assert.Len(t, g.Connections(), len(conns))
}

func TestGroupAveragePing(t *testing.T) {
	opts := testOptions(newRecorder())
	g := NewGroup()
	assert.Equal(t, int32(-1), g.AveragePing())

	unmeasured := groupMember(t, &opts)
	require.NoError(t, g.Register(unmeasured))
	assert.Equal(t, int32(-1), g.AveragePing())

	fast := groupMember(t, &opts)
	fast.ping.Store(10)
	slow := groupMember(t, &opts)
	slow.ping.Store(30)
	require.NoError(t, g.Register(fast))
	require.NoError(t, g.Register(slow))

	assert.Equal(t, int32(20), g.AveragePing())
}

func TestGroupDisconnectAll(t *testing.T) {
	events := newRecorder()
	opts := testOptions(events)
	g := NewGroup()

	conns := make([]*Connection, 5)
	for i := range conns {
		conns[i] = groupMember(t, &opts)
		require.NoError(t, g.Register(conns[i]))
	}
	require.NoError(t, conns[0].Close())

	require.NoError(t, g.DisconnectAll(testContext(t), "maintenance"))
	assert.Equal(t, 0, g.Len())

	for _, c := range conns[1:] {
		assert.True(t, c.Closed())
		assert.Equal(t, CauseDisconnected, c.Cause())
		assert.Equal(t, "maintenance", c.Reason())
	}
	assert.Equal(t, len(conns), countEvents[ConnectionTerminated](events))
}

func TestGroupBroadcast(t *testing.T) {
	opts := testOptions(newRecorder())
	g := NewGroup()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Register(groupMember(t, &opts)))
	}

	calls, err := g.Broadcast("notice", []byte("hello"))
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for _, call := range calls {
		assert.Equal(t, "notice", call.Key())
	}
}
