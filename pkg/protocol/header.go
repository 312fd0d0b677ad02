package protocol

import (
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Header field numbers
const (
	headerFieldTime       protowire.Number = 1
	headerFieldID         protowire.Number = 2
	headerFieldRequestKey protowire.Number = 3
	headerFieldCode       protowire.Number = 4
	headerFieldTimeout    protowire.Number = 5
)

// Header represents the metadata preceding a packet payload.
//
// A request header carries RequestKey and Timeout. A response header has
// Response set and carries Code; Code 0 marks an acknowledgment.
type Header struct {
	Time       uint64    // Send time in Unix milliseconds, advisory only
	ID         uuid.UUID // Correlates a request with its responses
	RequestKey string    // Request key (requests only)
	Response   bool      // Whether Code is present
	Code       Code      // Response code (responses only)
	Timeout    uint64    // Requester timeout in milliseconds (requests only)
}

// NewRequestHeader creates a request header with a fresh random id
func NewRequestHeader(key string, timeout time.Duration) *Header {
	return &Header{
		Time:       NowUnixMilli(),
		ID:         uuid.New(),
		RequestKey: key,
		Timeout:    uint64(timeout.Milliseconds()),
	}
}

// NewResponseHeader creates a response header for the request id
func NewResponseHeader(id uuid.UUID, code Code) *Header {
	return &Header{
		Time:     NowUnixMilli(),
		ID:       id,
		Response: true,
		Code:     code,
	}
}

// IsRequest reports whether h is a request header
func (h *Header) IsRequest() bool {
	return !h.Response
}

// IsResponse reports whether h is a response header
func (h *Header) IsResponse() bool {
	return h.Response
}

// IsAcknowledgment reports whether h is a zero-code response
func (h *Header) IsAcknowledgment() bool {
	return h.Response && h.Code == CodeAcknowledge
}

// TimeoutDuration returns the request timeout as a duration
func (h *Header) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Millisecond
}

// Validate checks the request/response invariants of the header
func (h *Header) Validate() error {
	switch {
	case h.Response && h.RequestKey != "":
		return NewError(CodePacketInvalid, h.ID, "header is both request and response")
	case h.Response && h.Timeout != 0:
		return NewError(CodePacketInvalid, h.ID, "response header carries a timeout")
	case !h.Response && h.RequestKey == "":
		return NewError(CodePacketInvalid, h.ID, "request header has no key")
	case !h.Response && h.ID == uuid.Nil:
		return NewError(CodePacketInvalid, h.ID, "request header has no id")
	}
	return nil
}

// Encode encodes the header to bytes. Headers larger than MaxHeaderSize
// are rejected with ErrPacketTooBig.
func (h *Header) Encode() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64)
	buf = protowire.AppendTag(buf, headerFieldTime, protowire.VarintType)
	buf = protowire.AppendVarint(buf, h.Time)
	buf = protowire.AppendTag(buf, headerFieldID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, h.ID[:])

	if h.Response {
		buf = protowire.AppendTag(buf, headerFieldCode, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(h.Code)))
	} else {
		buf = protowire.AppendTag(buf, headerFieldRequestKey, protowire.BytesType)
		buf = protowire.AppendString(buf, h.RequestKey)
		buf = protowire.AppendTag(buf, headerFieldTimeout, protowire.VarintType)
		buf = protowire.AppendVarint(buf, h.Timeout)
	}

	if len(buf) > MaxHeaderSize {
		return nil, NewError(CodePacketTooBig, h.ID, "header is %d bytes, maximum is %d", len(buf), MaxHeaderSize)
	}

	return buf, nil
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	*h = Header{}
	hasKey := false

	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == headerFieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Time = v
			return n, nil

		case num == headerFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return 0, err
			}
			h.ID = id
			return n, nil

		case num == headerFieldRequestKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.RequestKey = v
			hasKey = true
			return n, nil

		case num == headerFieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Code = Code(protowire.DecodeZigZag(v))
			h.Response = true
			return n, nil

		case num == headerFieldTimeout && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Timeout = v
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return WrapError(CodePacketInvalid, uuid.Nil, err)
	}

	if hasKey && h.Response {
		return NewError(CodePacketInvalid, h.ID, "header is both request and response")
	}

	return h.Validate()
}

// DecodeHeader parses and validates a header
func DecodeHeader(buf []byte) (*Header, error) {
	h := &Header{}
	if err := h.Decode(buf); err != nil {
		return nil, err
	}
	return h, nil
}
