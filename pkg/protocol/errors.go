package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Code is a response code carried by response headers. Negative codes are
// local conditions and never cross the wire.
type Code int16

// Response codes
const (
	// Acknowledgment, the request is still being processed
	CodeAcknowledge Code = 0

	// Request side failures (200-299)
	CodePacketInvalid  Code = 200
	CodeUnauthorized   Code = 201
	CodePayloadInvalid Code = 203
	CodeUnknownRequest Code = 204
	CodeDesync         Code = 205

	// Response side failures (300-399)
	CodeFailure         Code = 300
	CodeExternalFailure Code = 301
	CodeNotImplemented  Code = 302

	// Local only
	CodeIncompatible Code = -1
	CodeTampered     Code = -2
	CodeRateLimited  Code = -3
	CodePacketTooBig Code = -4
)

var codeNames = map[Code]string{
	CodeAcknowledge:     "acknowledge",
	CodePacketInvalid:   "packet invalid",
	CodeUnauthorized:    "unauthorized",
	CodePayloadInvalid:  "payload invalid",
	CodeUnknownRequest:  "unknown request",
	CodeDesync:          "desync",
	CodeFailure:         "failure",
	CodeExternalFailure: "external failure",
	CodeNotImplemented:  "not implemented",
	CodeIncompatible:    "incompatible",
	CodeTampered:        "tampered",
	CodeRateLimited:     "rate limited",
	CodePacketTooBig:    "packet too big",
}

// String returns the human readable name of the code
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code %d", int16(c))
}

// IsLocal reports whether the code is reserved for local conditions
func (c Code) IsLocal() bool {
	return c < 0
}

// IsRequestFailure reports whether the code is in the 200-299 range
func (c Code) IsRequestFailure() bool {
	return c >= 200 && c < 300
}

// IsResponseFailure reports whether the code is in the 300-399 range
func (c Code) IsResponseFailure() bool {
	return c >= 300 && c < 400
}

// IsFailure reports whether the code denotes any failure
func (c Code) IsFailure() bool {
	return c.IsLocal() || c.IsRequestFailure() || c.IsResponseFailure()
}

// Wire returns the code to put on the wire for a failure with this code.
// Local codes collapse onto their nearest wire equivalent.
func (c Code) Wire() Code {
	switch c {
	case CodePacketTooBig:
		return CodePacketInvalid
	case CodeRateLimited, CodeTampered, CodeIncompatible:
		return CodeFailure
	}
	return c
}

// NetworkError is a protocol failure with a code and, when known, the id
// of the request it relates to.
type NetworkError struct {
	Code Code
	ID   uuid.UUID
	Msg  string
	Err  error
}

// Sentinel errors, one per code. Compare with errors.Is.
var (
	ErrPacketInvalid   = &NetworkError{Code: CodePacketInvalid}
	ErrUnauthorized    = &NetworkError{Code: CodeUnauthorized}
	ErrPayloadInvalid  = &NetworkError{Code: CodePayloadInvalid}
	ErrUnknownRequest  = &NetworkError{Code: CodeUnknownRequest}
	ErrDesync          = &NetworkError{Code: CodeDesync}
	ErrFailure         = &NetworkError{Code: CodeFailure}
	ErrExternalFailure = &NetworkError{Code: CodeExternalFailure}
	ErrNotImplemented  = &NetworkError{Code: CodeNotImplemented}
	ErrIncompatible    = &NetworkError{Code: CodeIncompatible}
	ErrTampered        = &NetworkError{Code: CodeTampered}
	ErrRateLimited     = &NetworkError{Code: CodeRateLimited}
	ErrPacketTooBig    = &NetworkError{Code: CodePacketTooBig}
)

// NewError creates a NetworkError with a formatted message
func NewError(code Code, id uuid.UUID, format string, args ...any) *NetworkError {
	return &NetworkError{Code: code, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates a NetworkError caused by err
func WrapError(code Code, id uuid.UUID, err error) *NetworkError {
	return &NetworkError{Code: code, ID: id, Err: err}
}

// FromCode creates the error a requester sees for a response code.
// It returns nil for codes that are not failures.
func FromCode(code Code, id uuid.UUID) error {
	if !code.IsFailure() {
		return nil
	}
	return &NetworkError{Code: code, ID: id}
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	fmt.Fprintf(&b, " (%d)", int16(e.Code))
	if e.ID != uuid.Nil {
		fmt.Fprintf(&b, " [%s]", e.ID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is matches any NetworkError carrying the same code. A PacketTooBig error
// also matches ErrPacketInvalid.
func (e *NetworkError) Is(target error) bool {
	t, ok := target.(*NetworkError)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return e.Code == CodePacketTooBig && t.Code == CodePacketInvalid
}
