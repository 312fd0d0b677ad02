package network

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/atlasworld/atlasnet/pkg/protocol"
	"github.com/atlasworld/atlasnet/pkg/ratelimit"
)

// serve reads frames until the connection closes. Request handlers run in
// their own goroutines and may outlive it.
func (c *Connection) serve() {
	for {
		body, err := protocol.ReadFrame(c.conn, c.opts.MaxFrameSize)
		if err != nil {
			c.readFailed(err)
			return
		}

		allowed := c.limiter.Allow()
		if !allowed && c.limiter.Policy() == ratelimit.PolicyDrop {
			c.events.Publish(FrameDropped{Conn: c})
			continue
		}

		if err := c.handleFrame(body, !allowed); err != nil {
			c.fatal(err)
			return
		}

		if c.Closed() {
			return
		}
	}
}

func (c *Connection) readFailed(err error) {
	if c.Closed() {
		return
	}

	switch {
	case errors.Is(err, protocol.ErrPacketTooBig):
		c.fatal(err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		c.terminate(CauseInterrupted, nil)
	default:
		c.terminate(CauseInterrupted, fmt.Errorf("read frame: %w", err))
	}
}

// fatal closes the connection after a framing or integrity failure.
// Framing failures are reported to the peer first, integrity failures are
// not.
func (c *Connection) fatal(err error) {
	if errors.Is(err, protocol.ErrPacketInvalid) {
		id := uuid.Nil
		var ne *protocol.NetworkError
		if errors.As(err, &ne) {
			id = ne.ID
		}
		if respErr := c.respond(id, protocol.CodePacketInvalid, nil); respErr != nil {
			c.log.WithError(respErr).Debug("could not report invalid packet")
		}
	}
	c.terminate(CauseInterrupted, err)
}

// handleFrame processes one post-handshake frame. A returned error is
// fatal to the connection.
func (c *Connection) handleFrame(body []byte, overLimit bool) error {
	// Packet bodies start with the high byte of a header length no larger
	// than MaxHeaderSize, which is always zero.
	if len(body) > 0 && body[0] == byte(protocol.KindRefusal) {
		return c.handleLateRefusal(body)
	}

	section, sealed, err := protocol.SplitPacket(body)
	if err != nil {
		return err
	}

	payload, err := c.open(section, sealed)
	if err != nil {
		return protocol.WrapError(protocol.CodeTampered, uuid.Nil, err)
	}

	h, err := protocol.DecodeHeader(section[protocol.HeaderLengthSize:])
	if err != nil {
		return err
	}

	if overLimit {
		c.reject(h)
		return nil
	}

	if h.IsResponse() {
		c.handleResponse(h, payload)
		return nil
	}

	c.handleRequest(h, payload)
	return nil
}

// reject answers a request over the rate limit with a failure and drops
// everything else
func (c *Connection) reject(h *protocol.Header) {
	if h.IsRequest() && h.RequestKey != protocol.DisconnectKey {
		if err := c.respond(h.ID, protocol.CodeRateLimited.Wire(), nil); err != nil {
			c.log.WithError(err).Debug("could not reject request")
		}
		return
	}
	c.events.Publish(FrameDropped{Conn: c})
}

// handleLateRefusal handles a Refusal sent by a server after the client
// finished its side of the handshake
func (c *Connection) handleLateRefusal(body []byte) error {
	msg, err := protocol.DecodeHandshake(body)
	if err != nil {
		return err
	}
	refusal, ok := msg.(*protocol.Refusal)
	if !ok {
		return protocol.NewError(protocol.CodePacketInvalid, uuid.Nil, "unexpected %s after handshake", msg.Kind())
	}

	herr := &HandshakeError{Cause: RefusalCause(refusal.Cause), Remote: true, Err: errors.New(refusal.Message)}
	c.mu.Lock()
	c.reason = refusal.Message
	c.mu.Unlock()

	c.events.Publish(ConnectionRefused{Conn: c, Remote: c.RemoteAddr(), Cause: herr.Cause, Err: herr})
	c.terminate(herr.Cause.termination(), nil)
	return nil
}

func (c *Connection) handleResponse(h *protocol.Header, payload []byte) {
	log := c.log.WithFields(logrus.Fields{"id": h.ID, "code": int16(h.Code)})

	if h.IsAcknowledgment() {
		timeout := protocol.DecodeAcknowledge(payload)
		if err := c.correlator.Acknowledge(h.ID, timeout); err != nil {
			log.WithError(err).Debug("ignoring acknowledgment")
		}
		return
	}

	resp := &Response{ID: h.ID, Code: h.Code, Payload: payload, Time: h.Time}
	if !c.correlator.Complete(h.ID, resp) {
		log.Debug("response for unknown or finished request")
	}
}

func (c *Connection) handleRequest(h *protocol.Header, payload []byte) {
	if h.RequestKey == protocol.DisconnectKey {
		reason, err := protocol.DecodeDisconnect(payload)
		if err != nil {
			c.log.WithError(err).Debug("malformed disconnect reason")
		}
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.terminate(CauseDisconnected, nil)
		return
	}

	req := &Request{
		ID:      h.ID,
		Key:     h.RequestKey,
		Payload: payload,
		Timeout: h.TimeoutDuration(),
		Time:    h.Time,
		conn:    c,
	}
	c.events.Publish(RequestReceived{Conn: c, Request: req})

	resp := newResponder(c, h.ID)

	var handler Handler
	ok := false
	if c.opts.Registry != nil {
		handler, ok = c.opts.Registry.Lookup(h.RequestKey)
	}
	if !ok {
		if err := resp.RespondEmpty(protocol.CodeUnknownRequest); err != nil {
			c.log.WithError(err).Debug("could not answer unknown request")
		}
		return
	}

	go c.dispatch(handler, req, resp)
}

func (c *Connection) dispatch(handler Handler, req *Request, resp *Responder) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler for %q panicked: %v", req.Key, r)
			c.log.WithField("id", req.ID).Error(err)
			c.events.Publish(ConnectionError{Conn: c, Err: err})
			_ = resp.RespondEmpty(protocol.CodeFailure)
		}
	}()

	err := handler.ServeRequest(req, resp)
	if err == nil {
		return
	}

	code := protocol.CodeFailure
	var ne *protocol.NetworkError
	if errors.As(err, &ne) && ne.Code != protocol.CodeAcknowledge {
		code = ne.Code.Wire()
	}

	if respErr := resp.RespondEmpty(code); respErr != nil {
		c.log.WithError(err).WithField("id", req.ID).Debug("handler failed after responding")
	}
}
