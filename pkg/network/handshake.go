package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/protocol"
	"github.com/atlasworld/atlasnet/pkg/ratelimit"
)

// refusalWriteTimeout bounds the Refusal frame sent on a failed handshake
const refusalWriteTimeout = time.Second

// RefusalCause tells why a handshake was refused
type RefusalCause uint8

const (
	RefuseFailure RefusalCause = iota
	RefuseInvalid
	RefuseSessionActive
	RefuseChallengeFailure
	RefuseUnauthorized
	RefuseBlacklisted
	RefuseTimedOut
)

var refusalNames = map[RefusalCause]string{
	RefuseFailure:          "failure",
	RefuseInvalid:          "invalid",
	RefuseSessionActive:    "session active",
	RefuseChallengeFailure: "challenge failure",
	RefuseUnauthorized:     "unauthorized",
	RefuseBlacklisted:      "blacklisted",
	RefuseTimedOut:         "timed out",
}

func (c RefusalCause) String() string {
	if name, ok := refusalNames[c]; ok {
		return name
	}
	return fmt.Sprintf("refusal(%d)", uint8(c))
}

func (c RefusalCause) termination() TerminationCause {
	if c == RefuseTimedOut {
		return CauseTimedOut
	}
	return CauseRefused
}

// HandshakeError is returned when a handshake does not complete. Remote is
// set only when the peer sent a Refusal.
type HandshakeError struct {
	Cause  RefusalCause
	Remote bool
	Err    error
}

func (e *HandshakeError) Error() string {
	who := "handshake refused"
	if e.Remote {
		who = "handshake refused by peer"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", who, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %v", who, e.Cause, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func refuse(cause RefusalCause, err error) *HandshakeError {
	return &HandshakeError{Cause: cause, Err: err}
}

// handshakeState is the progress of one side. States only move forward.
type handshakeState uint8

const (
	stateInit handshakeState = iota

	// responder
	stateAwaitIdentity
	stateChallenge
	stateAwaitChallengeEcho

	// initiator
	stateAwaitServerInfo
	stateSendIdentity
	stateAwaitChallenge
	stateEchoChallenge

	stateDone
)

// handshake drives the plaintext exchange on a fresh socket
type handshake struct {
	nc      net.Conn
	opts    *Options
	limiter *ratelimit.Limiter
	state   handshakeState

	stopCancel func() bool
}

func newHandshake(nc net.Conn, opts *Options) *handshake {
	return &handshake{
		nc:      nc,
		opts:    opts,
		limiter: opts.newLimiter(),
	}
}

// arm starts the handshake deadline. Cancelling ctx expires it at once.
func (h *handshake) arm(ctx context.Context) {
	_ = h.nc.SetDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	h.stopCancel = context.AfterFunc(ctx, func() {
		_ = h.nc.SetDeadline(time.Now())
	})
}

// disarm clears the deadline once the handshake succeeded
func (h *handshake) disarm() {
	if h.stopCancel != nil {
		h.stopCancel()
	}
	_ = h.nc.SetDeadline(time.Time{})
}

func (h *handshake) advance(next handshakeState) {
	if next > h.state {
		h.state = next
	}
}

func (h *handshake) write(m protocol.HandshakeMessage) error {
	if err := protocol.WriteFrame(h.nc, protocol.EncodeHandshake(m)); err != nil {
		return h.transportError(fmt.Errorf("write %s: %w", m.Kind(), err))
	}
	return nil
}

// expect reads the next handshake message and checks its kind. A Refusal
// from the peer ends the handshake.
func (h *handshake) expect(kind protocol.MessageKind) (protocol.HandshakeMessage, error) {
	body, err := protocol.ReadFrame(h.nc, h.opts.MaxFrameSize)
	if err != nil {
		if errors.Is(err, protocol.ErrPacketTooBig) {
			return nil, refuse(RefuseInvalid, err)
		}
		return nil, h.transportError(fmt.Errorf("read %s: %w", kind, err))
	}

	if !h.limiter.Allow() {
		return nil, refuse(RefuseFailure, protocol.ErrRateLimited)
	}

	msg, err := protocol.DecodeHandshake(body)
	if err != nil {
		return nil, refuse(RefuseInvalid, err)
	}

	if r, ok := msg.(*protocol.Refusal); ok {
		return nil, &HandshakeError{Cause: RefusalCause(r.Cause), Remote: true, Err: errors.New(r.Message)}
	}

	if msg.Kind() != kind {
		return nil, refuse(RefuseInvalid, fmt.Errorf("expected %s, got %s", kind, msg.Kind()))
	}
	return msg, nil
}

func (h *handshake) transportError(err error) *HandshakeError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return refuse(RefuseTimedOut, err)
	}
	return refuse(RefuseFailure, err)
}

// abort reports a failed handshake to the peer and the event sink, then
// closes the socket. conn is nil if the failure happened before the peer
// identified itself.
func (h *handshake) abort(conn *Connection, err error) *HandshakeError {
	if h.stopCancel != nil {
		h.stopCancel()
	}

	var herr *HandshakeError
	if !errors.As(err, &herr) {
		herr = refuse(RefuseFailure, err)
	}

	if !herr.Remote {
		_ = h.nc.SetWriteDeadline(time.Now().Add(refusalWriteTimeout))
		msg := ""
		if herr.Err != nil {
			msg = herr.Err.Error()
		}
		_ = protocol.WriteFrame(h.nc, protocol.EncodeHandshake(&protocol.Refusal{Cause: uint8(herr.Cause), Message: msg}))
	}

	events := h.opts.Events
	events.Publish(ConnectionRefused{Conn: conn, Remote: h.nc.RemoteAddr(), Cause: herr.Cause, Err: herr})

	if conn == nil {
		events.Publish(EarlyFailure{Remote: h.nc.RemoteAddr(), Err: herr})
		_ = h.nc.Close()
		events.Publish(SocketClosed{Remote: h.nc.RemoteAddr()})
		return herr
	}

	conn.terminate(herr.Cause.termination(), nil)
	return herr
}

// respond runs the responder side of the handshake. The returned
// connection is non-nil once the peer identified itself, even on error.
func (s *Server) respond(ctx context.Context, h *handshake) (*Connection, error) {
	info := &protocol.ServerInfo{
		Version:    protocol.ProtocolVersion,
		PublicKey:  s.publicDER,
		Properties: s.cfg.Properties,
	}
	if err := h.write(info); err != nil {
		return nil, err
	}

	h.advance(stateAwaitIdentity)
	msg, err := h.expect(protocol.KindInitialize)
	if err != nil {
		return nil, err
	}
	identity := msg.(*protocol.Initialize)

	conn := newConnection(RoleServer, identity.ConnectionID, h.nc, &s.cfg.Options, h.limiter)
	s.events.Publish(ConnectionEstablished{Conn: conn})

	if _, active := s.group.Retrieve(identity.ConnectionID); active {
		return conn, refuse(RefuseSessionActive, fmt.Errorf("connection %s is already active", identity.ConnectionID))
	}
	if identity.UsesCustomAuth {
		return conn, refuse(RefuseUnauthorized, errors.New("custom authentication is not supported"))
	}

	peerKey, err := s.cfg.Authenticator.Authenticate(ctx, conn, identity.ConnectionID)
	if err != nil {
		cause := RefuseUnauthorized
		if errors.Is(err, ErrBlacklisted) {
			cause = RefuseBlacklisted
		}
		return conn, refuse(cause, err)
	}
	if peerKey == nil {
		return conn, refuse(RefuseUnauthorized, ErrUnknownPeer)
	}

	h.advance(stateChallenge)
	sessionKey, err := crypto.GenerateSessionKey()
	if err != nil {
		return conn, refuse(RefuseFailure, err)
	}
	defer crypto.Zero(sessionKey)

	challenge, err := crypto.RSAEncrypt(sessionKey, peerKey)
	if err != nil {
		return conn, refuse(RefuseFailure, err)
	}
	if err := h.write(&protocol.Challenge{Data: challenge}); err != nil {
		return conn, err
	}

	h.advance(stateAwaitChallengeEcho)
	msg, err = h.expect(protocol.KindChallenge)
	if err != nil {
		return conn, err
	}

	echo, err := crypto.RSADecrypt(msg.(*protocol.Challenge).Data, s.key)
	if err != nil {
		return conn, refuse(RefuseChallengeFailure, err)
	}
	defer crypto.Zero(echo)

	if !crypto.Equal(echo, sessionKey) {
		return conn, refuse(RefuseChallengeFailure, errors.New("challenge echo does not match"))
	}

	transform, err := crypto.NewSessionTransform(sessionKey)
	if err != nil {
		return conn, refuse(RefuseFailure, err)
	}

	h.advance(stateDone)
	h.disarm()
	if err := conn.establish(peerKey, transform); err != nil {
		return conn, refuse(RefuseFailure, err)
	}
	return conn, nil
}

// initiate runs the initiator side of the handshake
func (cl *Client) initiate(ctx context.Context, h *handshake) (*Connection, error) {
	h.advance(stateAwaitServerInfo)
	msg, err := h.expect(protocol.KindServerInfo)
	if err != nil {
		return nil, err
	}
	info := msg.(*protocol.ServerInfo)

	if !protocol.IsSupportedVersion(info.Version) {
		return nil, refuse(RefuseInvalid, protocol.NewError(protocol.CodeIncompatible, uuid.Nil, "server speaks protocol version %d", info.Version))
	}
	if cl.cfg.Compatible != nil && !cl.cfg.Compatible(info) {
		return nil, refuse(RefuseInvalid, protocol.NewError(protocol.CodeIncompatible, uuid.Nil, "server rejected by compatibility check"))
	}

	serverKey, err := crypto.ImportPublicKeyDER(info.PublicKey)
	if err != nil {
		return nil, refuse(RefuseInvalid, err)
	}

	id := cl.cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	conn := newConnection(RoleClient, id, h.nc, &cl.cfg.Options, h.limiter)
	conn.info = info
	cl.cfg.Events.Publish(ConnectionEstablished{Conn: conn})

	h.advance(stateSendIdentity)
	if err := h.write(&protocol.Initialize{ConnectionID: id}); err != nil {
		return conn, err
	}

	h.advance(stateAwaitChallenge)
	msg, err = h.expect(protocol.KindChallenge)
	if err != nil {
		return conn, err
	}

	sessionKey, err := crypto.RSADecrypt(msg.(*protocol.Challenge).Data, cl.key)
	if err != nil {
		return conn, refuse(RefuseChallengeFailure, err)
	}
	defer crypto.Zero(sessionKey)

	h.advance(stateEchoChallenge)
	echo, err := crypto.RSAEncrypt(sessionKey, serverKey)
	if err != nil {
		return conn, refuse(RefuseFailure, err)
	}
	if err := h.write(&protocol.Challenge{Data: echo}); err != nil {
		return conn, err
	}

	transform, err := crypto.NewSessionTransform(sessionKey)
	if err != nil {
		return conn, refuse(RefuseFailure, err)
	}

	h.advance(stateDone)
	h.disarm()
	if err := conn.establish(serverKey, transform); err != nil {
		return conn, refuse(RefuseFailure, err)
	}
	return conn, nil
}

// keyDER encodes the public half of key for ServerInfo
func keyDER(key *rsa.PrivateKey) ([]byte, error) {
	return crypto.ExportPublicKeyDER(&key.PublicKey)
}
