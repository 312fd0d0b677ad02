package network

import (
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event is a notification published by servers, clients and connections
type Event interface {
	EventName() string
}

// EventSink receives events. Publish is called synchronously from protocol
// goroutines and must not block.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to an EventSink
type SinkFunc func(Event)

// Publish calls f(e)
func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks in order
type MultiSink []EventSink

// Publish forwards e to every sink
func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// Socket events
type (
	SocketOpened struct {
		Remote net.Addr
	}
	SocketClosed struct {
		Remote net.Addr
	}
)

// Connection lifecycle events
type (
	ConnectionEstablished struct {
		Conn *Connection
	}
	ConnectionValidated struct {
		Conn *Connection
	}
	// ConnectionRefused reports a failed handshake. Conn is nil when the
	// handshake failed before the peer identified itself.
	ConnectionRefused struct {
		Conn   *Connection
		Remote net.Addr
		Cause  RefusalCause
		Err    error
	}
	ConnectionTerminated struct {
		Conn      *Connection
		Cause     TerminationCause
		Reason    string
		Validated bool
	}
)

// Request events
type (
	RequestSent struct {
		Conn *Connection
		ID   uuid.UUID
		Key  string
	}
	RequestReceived struct {
		Conn    *Connection
		Request *Request
	}
	RequestTimedOut struct {
		Conn         *Connection
		ID           uuid.UUID
		Acknowledged bool
	}
)

// Error events
type (
	ConnectionError struct {
		Conn *Connection
		Err  error
	}
	// EarlyFailure is an error raised before a Connection exists
	EarlyFailure struct {
		Remote net.Addr
		Err    error
	}
	// FrameDropped reports a frame discarded by the rate limiter
	FrameDropped struct {
		Conn *Connection
	}
)

func (SocketOpened) EventName() string          { return "socket_opened" }
func (SocketClosed) EventName() string          { return "socket_closed" }
func (ConnectionEstablished) EventName() string { return "connection_established" }
func (ConnectionValidated) EventName() string   { return "connection_validated" }
func (ConnectionRefused) EventName() string     { return "connection_refused" }
func (ConnectionTerminated) EventName() string  { return "connection_terminated" }
func (RequestSent) EventName() string           { return "request_sent" }
func (RequestReceived) EventName() string       { return "request_received" }
func (RequestTimedOut) EventName() string       { return "request_timed_out" }
func (ConnectionError) EventName() string       { return "connection_error" }
func (EarlyFailure) EventName() string          { return "early_failure" }
func (FrameDropped) EventName() string          { return "frame_dropped" }

// LogSink writes every event to a logger. Lifecycle events are logged at
// info level, per-request events at debug and errors at warn.
type LogSink struct {
	Logger logrus.FieldLogger
}

// NewLogSink creates a LogSink
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{Logger: logger}
}

// Publish logs e
func (s *LogSink) Publish(e Event) {
	if s == nil || s.Logger == nil {
		return
	}

	entry := s.Logger.WithField("event", e.EventName())

	switch ev := e.(type) {
	case SocketOpened:
		entry.WithField("remote", addrString(ev.Remote)).Debug("socket opened")
	case SocketClosed:
		entry.WithField("remote", addrString(ev.Remote)).Debug("socket closed")
	case ConnectionEstablished:
		ev.Conn.fields(entry).Debug("connection established")
	case ConnectionValidated:
		ev.Conn.fields(entry).Info("connection validated")
	case ConnectionRefused:
		entry = entry.WithFields(logrus.Fields{
			"remote": addrString(ev.Remote),
			"cause":  ev.Cause.String(),
		})
		if ev.Conn != nil {
			entry = entry.WithField("conn", ev.Conn.ID())
		}
		entry.WithError(ev.Err).Warn("connection refused")
	case ConnectionTerminated:
		ev.Conn.fields(entry).WithFields(logrus.Fields{
			"cause":     ev.Cause.String(),
			"reason":    ev.Reason,
			"validated": ev.Validated,
		}).Info("connection terminated")
	case RequestSent:
		ev.Conn.fields(entry).WithFields(logrus.Fields{"id": ev.ID, "key": ev.Key}).Debug("request sent")
	case RequestReceived:
		ev.Conn.fields(entry).WithFields(logrus.Fields{"id": ev.Request.ID, "key": ev.Request.Key}).Debug("request received")
	case RequestTimedOut:
		ev.Conn.fields(entry).WithFields(logrus.Fields{"id": ev.ID, "acknowledged": ev.Acknowledged}).Debug("request timed out")
	case ConnectionError:
		ev.Conn.fields(entry).WithError(ev.Err).Warn("connection error")
	case EarlyFailure:
		entry.WithField("remote", addrString(ev.Remote)).WithError(ev.Err).Warn("early failure")
	case FrameDropped:
		ev.Conn.fields(entry).Debug("frame dropped by rate limiter")
	default:
		entry.Debug("event")
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
