package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/protocol"
	"github.com/atlasworld/atlasnet/pkg/ratelimit"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotValidated     = errors.New("connection not validated")
)

// disconnectWriteTimeout bounds the disconnect notice when the caller's
// context has no deadline
const disconnectWriteTimeout = 5 * time.Second

// Role is the side a connection played in the handshake
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// TerminationCause records why a connection closed. It is set once.
type TerminationCause uint32

const (
	CauseNone TerminationCause = iota
	CauseTimedOut
	CauseInterrupted
	CauseRefused
	CauseDisconnected
)

func (c TerminationCause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseTimedOut:
		return "timed out"
	case CauseInterrupted:
		return "interrupted"
	case CauseRefused:
		return "refused"
	case CauseDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("cause(%d)", uint32(c))
	}
}

type outboundPacket struct {
	header  *protocol.Header
	payload []byte
}

// Connection is one end of an established or establishing session
type Connection struct {
	id         uuid.UUID
	role       Role
	conn       net.Conn
	opts       *Options
	log        logrus.FieldLogger
	events     EventSink
	limiter    *ratelimit.Limiter
	correlator *Correlator
	createdAt  time.Time

	mu        sync.RWMutex
	peerKey   *rsa.PublicKey
	transform *crypto.SessionTransform
	info      *protocol.ServerInfo
	reason    string

	ping      atomic.Int32
	timeout   atomic.Int64
	validated atomic.Bool
	cause     atomic.Uint32

	// Packets written before validation wait in outbox until the
	// handshake flushes them
	outMu   sync.Mutex
	outbox  []outboundPacket
	flushed bool
	writeMu sync.Mutex

	group     atomic.Pointer[Group]
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(role Role, id uuid.UUID, nc net.Conn, opts *Options, limiter *ratelimit.Limiter) *Connection {
	c := &Connection{
		id:        id,
		role:      role,
		conn:      nc,
		opts:      opts,
		events:    opts.Events,
		limiter:   limiter,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.log = opts.Logger.WithFields(logrus.Fields{
		"conn":   id,
		"remote": addrString(nc.RemoteAddr()),
		"role":   role.String(),
	})
	c.ping.Store(-1)
	c.timeout.Store(int64(opts.RequestTimeout))

	c.correlator = NewCorrelator(opts.Scheduler)
	c.correlator.OnRoundTrip = c.recordRoundTrip
	c.correlator.OnTimeout = func(call *Call) {
		c.events.Publish(RequestTimedOut{Conn: c, ID: call.ID(), Acknowledged: call.Acknowledged()})
	}
	return c
}

// ID returns the connection id claimed by the client
func (c *Connection) ID() uuid.UUID { return c.id }

// Role returns the side this end played in the handshake
func (c *Connection) Role() Role { return c.role }

// RemoteAddr returns the peer address
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local address
func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// CreatedAt returns when the connection was created
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// PublicKey returns the long-term key of the peer, nil before
// authentication
func (c *Connection) PublicKey() *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerKey
}

// ServerInfo returns what the server advertised. It is nil on the server
// side.
func (c *Connection) ServerInfo() *protocol.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// SessionFingerprint identifies the session keys. Both ends report the
// same value.
func (c *Connection) SessionFingerprint() string {
	c.mu.RLock()
	t := c.transform
	c.mu.RUnlock()

	if t == nil {
		return ""
	}
	return t.Fingerprint()
}

// Ping returns the smoothed round trip time in milliseconds, or -1 before
// the first measurement
func (c *Connection) Ping() int32 { return c.ping.Load() }

// Timeout returns the timeout applied to new requests
func (c *Connection) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// SetTimeout changes the timeout of requests sent from now on. Zero or less
// restores protocol.DefaultRequestTimeout.
func (c *Connection) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = protocol.DefaultRequestTimeout
	}
	c.timeout.Store(int64(d))
}

// Validated reports whether the handshake completed
func (c *Connection) Validated() bool { return c.validated.Load() }

// Pending returns the number of requests awaiting a response
func (c *Connection) Pending() int { return c.correlator.Len() }

// Cause returns why the connection closed, CauseNone while open
func (c *Connection) Cause() TerminationCause {
	cause := TerminationCause(c.cause.Load())
	if cause == CauseNone && c.Closed() {
		return CauseInterrupted
	}
	return cause
}

// Reason returns the disconnect reason, if any
func (c *Connection) Reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// Closed reports whether the connection is closed
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connected reports whether the connection is validated and open
func (c *Connection) Connected() bool {
	return c.Validated() && !c.Closed()
}

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} { return c.done }

// SendAsync writes a request and returns its pending call
func (c *Connection) SendAsync(key string, payload []byte) (*Call, error) {
	if c.Closed() {
		return nil, ErrConnectionClosed
	}

	timeout := c.Timeout()
	h := protocol.NewRequestHeader(key, timeout)
	if err := h.Validate(); err != nil {
		return nil, err
	}

	call, err := c.correlator.Register(h.ID, key, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.writePacket(h, payload, time.Time{}); err != nil {
		c.correlator.Fail(h.ID, err)
		return nil, err
	}

	c.events.Publish(RequestSent{Conn: c, ID: h.ID, Key: key})
	return call, nil
}

// Send writes a request and waits for its terminal response
func (c *Connection) Send(ctx context.Context, key string, payload []byte) (*Response, error) {
	call, err := c.SendAsync(key, payload)
	if err != nil {
		return nil, err
	}

	resp, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		c.correlator.Fail(call.ID(), ctx.Err())
	}
	return resp, err
}

// Disconnect notifies the peer and closes the connection. The connection
// is closed even when the notice cannot be written; the write error is
// returned.
func (c *Connection) Disconnect(ctx context.Context, reason string) error {
	if c.Closed() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	c.cause.CompareAndSwap(uint32(CauseNone), uint32(CauseDisconnected))

	var err error
	if c.Validated() {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(disconnectWriteTimeout)
		}
		stop := context.AfterFunc(ctx, func() {
			_ = c.conn.SetWriteDeadline(time.Now())
		})

		h := protocol.NewRequestHeader(protocol.DisconnectKey, 0)
		err = c.writePacket(h, protocol.EncodeDisconnect(reason), deadline)
		stop()
	}

	c.terminate(CauseDisconnected, nil)
	return err
}

// Close closes the connection without notifying the peer
func (c *Connection) Close() error {
	if c.Closed() {
		return ErrConnectionClosed
	}
	c.terminate(CauseInterrupted, nil)
	return nil
}

// establish completes the handshake: it installs the session, marks the
// connection validated and flushes the outbox.
func (c *Connection) establish(peerKey *rsa.PublicKey, transform *crypto.SessionTransform) error {
	c.mu.Lock()
	if c.Closed() {
		c.mu.Unlock()
		transform.Zero()
		return ErrConnectionClosed
	}
	c.peerKey = peerKey
	c.transform = transform
	c.mu.Unlock()

	if !c.validated.CompareAndSwap(false, true) {
		return fmt.Errorf("connection %s validated twice", c.id)
	}

	if err := c.flush(); err != nil {
		return err
	}

	c.log.WithField("session", transform.Fingerprint()).Debug("session established")
	c.events.Publish(ConnectionValidated{Conn: c})
	return nil
}

func (c *Connection) flush() error {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	queued := c.outbox
	c.outbox = nil
	for _, p := range queued {
		if err := c.writeSealed(p.header, p.payload, time.Time{}); err != nil {
			return err
		}
	}
	c.flushed = true
	return nil
}

// writePacket sends a packet, or queues it if the handshake has not
// finished yet
func (c *Connection) writePacket(h *protocol.Header, payload []byte, deadline time.Time) error {
	c.outMu.Lock()
	if !c.flushed {
		defer c.outMu.Unlock()
		if c.Closed() {
			return ErrConnectionClosed
		}
		c.outbox = append(c.outbox, outboundPacket{header: h, payload: payload})
		return nil
	}
	c.outMu.Unlock()

	return c.writeSealed(h, payload, deadline)
}

func (c *Connection) writeSealed(h *protocol.Header, payload []byte, deadline time.Time) error {
	section, err := protocol.EncodeHeaderSection(h)
	if err != nil {
		return err
	}

	c.mu.RLock()
	t := c.transform
	c.mu.RUnlock()
	if t == nil {
		return ErrNotValidated
	}

	sealed, err := t.Seal(section, payload)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyDestroyed) {
			return ErrConnectionClosed
		}
		return err
	}

	body := append(section, sealed...)
	if uint32(len(body)) > c.opts.MaxFrameSize {
		return protocol.NewError(protocol.CodePacketTooBig, h.ID, "packet is %d bytes, maximum is %d", len(body), c.opts.MaxFrameSize)
	}

	c.writeMu.Lock()
	if !deadline.IsZero() {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	err = protocol.WriteFrame(c.conn, body)
	if !deadline.IsZero() {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	c.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("write frame: %w", err)
		c.terminate(CauseInterrupted, err)
		return err
	}
	return nil
}

// respond writes a response header with payload for request id
func (c *Connection) respond(id uuid.UUID, code protocol.Code, payload []byte) error {
	return c.writePacket(protocol.NewResponseHeader(id, code), payload, time.Time{})
}

func (c *Connection) open(section, sealed []byte) ([]byte, error) {
	c.mu.RLock()
	t := c.transform
	c.mu.RUnlock()
	if t == nil {
		return nil, ErrNotValidated
	}
	return t.Open(section, sealed)
}

// recordRoundTrip folds a sample into the ping average
func (c *Connection) recordRoundTrip(elapsed time.Duration) {
	sample := int32(elapsed.Milliseconds())
	for {
		prev := c.ping.Load()
		next := sample
		if prev >= 0 {
			next = (sample + prev) / 2
		}
		if next < 0 {
			next = 0
		}
		if c.ping.CompareAndSwap(prev, next) {
			return
		}
	}
}

// terminate closes the connection once. cause is kept only if no cause was
// recorded before.
func (c *Connection) terminate(cause TerminationCause, err error) {
	c.cause.CompareAndSwap(uint32(CauseNone), uint32(cause))

	c.closeOnce.Do(func() {
		if err != nil {
			c.events.Publish(ConnectionError{Conn: c, Err: err})
		}

		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		if c.transform != nil {
			c.transform.Zero()
		}
		c.mu.Unlock()

		final := c.Cause()
		c.correlator.CloseAll(fmt.Errorf("%w: %s", ErrConnectionClosed, final))

		if g := c.group.Load(); g != nil {
			g.Unregister(c)
		}

		c.events.Publish(ConnectionTerminated{
			Conn:      c,
			Cause:     final,
			Reason:    c.Reason(),
			Validated: c.Validated(),
		})
		c.events.Publish(SocketClosed{Remote: c.RemoteAddr()})
	})
}

// fields decorates entry with the connection identity. It accepts a nil
// receiver.
func (c *Connection) fields(entry *logrus.Entry) *logrus.Entry {
	if c == nil {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"conn":   c.id,
		"remote": addrString(c.RemoteAddr()),
	})
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s connection %s (%s)", c.role, c.id, addrString(c.RemoteAddr()))
}
