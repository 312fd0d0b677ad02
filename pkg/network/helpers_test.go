package network

import (
	"context"
	"crypto/rsa"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/atlasworld/atlasnet/pkg/crypto"
)

const waitTimeout = 5 * time.Second

var (
	keysOnce  sync.Once
	keysErr   error
	serverKey *rsa.PrivateKey
	clientKey *rsa.PrivateKey
	otherKey  *rsa.PrivateKey
)

// testKeys returns three identity keys shared by every test
func testKeys(t *testing.T) (server, client, other *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		keys := make([]*rsa.PrivateKey, 3)
		for i := range keys {
			keys[i], keysErr = crypto.GenerateRSAKeySize(1024)
			if keysErr != nil {
				return
			}
		}
		serverKey, clientKey, otherKey = keys[0], keys[1], keys[2]
	})
	require.NoError(t, keysErr)
	return serverKey, clientKey, otherKey
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// recorder is an EventSink that keeps every event
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// waitEvent blocks until r holds an event of type T accepted by match
func waitEvent[T Event](t *testing.T, r *recorder, match func(T) bool) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		for _, e := range r.snapshot() {
			if ev, ok := e.(T); ok && (match == nil || match(ev)) {
				return ev
			}
		}
		select {
		case <-r.notify:
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %s", zero.EventName())
		}
	}
}

func countEvents[T Event](r *recorder) int {
	n := 0
	for _, e := range r.snapshot() {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

// fakeScheduler runs timers when the test advances its clock
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &fakeTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock and runs the timers that came due, in order
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.at <= s.now {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

func (s *fakeScheduler) timer(i int) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[i]
}

// testOptions returns defaulted options with a quiet logger and sink
func testOptions(events EventSink) Options {
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	opts.Events = events
	return opts.withDefaults()
}

// pipeConnection creates an unvalidated connection over net.Pipe and
// returns the far end of the pipe
func pipeConnection(t *testing.T, opts *Options) (*Connection, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return newConnection(RoleClient, uuid.New(), local, opts, opts.newLimiter()), remote
}

// validate installs a fresh session on c and returns a transform that
// shares its keys
func validate(t *testing.T, c *Connection) *crypto.SessionTransform {
	t.Helper()
	_, client, _ := testKeys(t)

	key, err := crypto.GenerateSessionKey()
	require.NoError(t, err)
	local, err := crypto.NewSessionTransform(key)
	require.NoError(t, err)
	peer, err := crypto.NewSessionTransform(key)
	require.NoError(t, err)

	require.NoError(t, c.establish(&client.PublicKey, local))
	return peer
}

// testEnv is a running server plus a client configured to reach it
type testEnv struct {
	server       *Server
	client       *Client
	auth         *StaticAuthenticator
	clientID     uuid.UUID
	serverEvents *recorder
	clientEvents *recorder
}

func newTestEnv(t *testing.T, serverReg, clientReg PacketRegistry, tweak func(*ServerConfig, *ClientConfig)) *testEnv {
	t.Helper()
	sk, ck, _ := testKeys(t)

	env := &testEnv{
		auth:         NewStaticAuthenticator(),
		clientID:     uuid.New(),
		serverEvents: newRecorder(),
		clientEvents: newRecorder(),
	}
	env.auth.Trust(env.clientID, &ck.PublicKey)

	scfg := DefaultServerConfig()
	scfg.Authenticator = env.auth
	scfg.Registry = serverReg
	scfg.Events = env.serverEvents
	scfg.Logger = quietLogger()
	scfg.Properties = map[string]string{"name": "test-server"}

	ccfg := DefaultClientConfig()
	ccfg.ID = env.clientID
	ccfg.Registry = clientReg
	ccfg.Events = env.clientEvents
	ccfg.Logger = quietLogger()

	if tweak != nil {
		tweak(&scfg, &ccfg)
	}

	server, err := NewServer(sk, scfg)
	require.NoError(t, err)
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = server.Shutdown(ctx, "test finished")
	})

	env.server = server
	env.client = NewClient(ck, ccfg)
	return env
}

// connect dials the server and closes the connection when the test ends
func (env *testEnv) connect(t *testing.T) (*Connection, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	conn, err := env.client.Connect(ctx, env.server.Addr().String())
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, err
}

func (env *testEnv) mustConnect(t *testing.T) *Connection {
	t.Helper()
	conn, err := env.connect(t)
	require.NoError(t, err)
	return conn
}

// serverSide returns the server's end of the client connection
func (env *testEnv) serverSide(t *testing.T) *Connection {
	t.Helper()
	var conn *Connection
	require.Eventually(t, func() bool {
		c, ok := env.server.Group().Retrieve(env.clientID)
		conn = c
		return ok
	}, waitTimeout, 5*time.Millisecond)
	return conn
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("connection %s did not close", c.ID())
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}
