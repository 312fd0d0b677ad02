package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasworld/atlasnet/pkg/protocol"
)

var (
	ErrAlreadyResponded  = errors.New("request already answered")
	ErrAcknowledgeCode   = errors.New("code 0 is reserved for acknowledgments")
	ErrAckTimeoutTooLong = errors.New("acknowledgment timeout too long")
)

// Request is an inbound request
type Request struct {
	ID      uuid.UUID
	Key     string
	Payload []byte
	Timeout time.Duration // requester's timeout, advisory
	Time    uint64        // requester clock, Unix ms

	conn *Connection
}

// Conn returns the connection the request arrived on
func (r *Request) Conn() *Connection { return r.conn }

// Responder answers one inbound request. It may be used from any
// goroutine.
type Responder struct {
	conn *Connection
	id   uuid.UUID

	mu           sync.Mutex
	acknowledged bool
	responded    bool
}

func newResponder(conn *Connection, id uuid.UUID) *Responder {
	return &Responder{conn: conn, id: id}
}

// ID returns the request id
func (r *Responder) ID() uuid.UUID { return r.id }

// Acknowledge tells the requester to keep waiting for timeout. Zero uses
// the configured default.
func (r *Responder) Acknowledge(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.conn.opts.AckTimeout
	}
	if timeout > protocol.MaxAckTimeout {
		return fmt.Errorf("%w: %v exceeds %v", ErrAckTimeoutTooLong, timeout, protocol.MaxAckTimeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.responded {
		return ErrAlreadyResponded
	}
	if r.acknowledged {
		return ErrAlreadyAcknowledged
	}

	if err := r.conn.respond(r.id, protocol.CodeAcknowledge, protocol.EncodeAcknowledge(timeout)); err != nil {
		return err
	}
	r.acknowledged = true
	return nil
}

// Respond sends the terminal response
func (r *Responder) Respond(code protocol.Code, payload []byte) error {
	if code == protocol.CodeAcknowledge {
		return ErrAcknowledgeCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.responded {
		return ErrAlreadyResponded
	}
	r.responded = true

	return r.conn.respond(r.id, code.Wire(), payload)
}

// RespondEmpty sends a terminal response without payload
func (r *Responder) RespondEmpty(code protocol.Code) error {
	return r.Respond(code, nil)
}

// Responded reports whether a terminal response was sent
func (r *Responder) Responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded
}

// Acknowledged reports whether the request was acknowledged
func (r *Responder) Acknowledged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acknowledged
}
