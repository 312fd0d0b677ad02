package protocol

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageKind identifies a plaintext handshake message
type MessageKind uint8

// Handshake message kinds
const (
	KindServerInfo MessageKind = 0x01
	KindInitialize MessageKind = 0x02
	KindChallenge  MessageKind = 0x03
	KindRefusal    MessageKind = 0x04
)

var ErrUnknownKind = errors.New("unknown handshake message kind")

func (k MessageKind) String() string {
	switch k {
	case KindServerInfo:
		return "server-info"
	case KindInitialize:
		return "initialize"
	case KindChallenge:
		return "challenge"
	case KindRefusal:
		return "refusal"
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// HandshakeMessage is implemented by every plaintext handshake message
type HandshakeMessage interface {
	Kind() MessageKind
	Encode() []byte
	Decode(buf []byte) error
}

// ServerInfo is sent unsolicited by the responder when a stream opens
type ServerInfo struct {
	Version    uint32
	PublicKey  []byte // PKIX DER
	Properties map[string]string
}

// Initialize announces the initiator identity
type Initialize struct {
	ConnectionID   uuid.UUID
	UsesCustomAuth bool
}

// Challenge carries an asymmetrically encrypted session key, or its echo
type Challenge struct {
	Data []byte
}

// Refusal tells the initiator why the responder refused the handshake
type Refusal struct {
	Cause   uint8
	Message string
}

func (m *ServerInfo) Kind() MessageKind { return KindServerInfo }
func (m *Initialize) Kind() MessageKind { return KindInitialize }
func (m *Challenge) Kind() MessageKind  { return KindChallenge }
func (m *Refusal) Kind() MessageKind    { return KindRefusal }

// Property returns the value of a server property
func (m *ServerInfo) Property(key string) (string, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// Encode encodes the server info. Properties are written in key order.
func (m *ServerInfo) Encode() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Version))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.PublicKey)

	keys := make([]string, 0, len(m.Properties))
	for k := range m.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var prop []byte
		prop = protowire.AppendTag(prop, 1, protowire.BytesType)
		prop = protowire.AppendString(prop, k)
		prop = protowire.AppendTag(prop, 2, protowire.BytesType)
		prop = protowire.AppendString(prop, m.Properties[k])

		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, prop)
	}

	return buf
}

// Decode decodes the server info from bytes
func (m *ServerInfo) Decode(buf []byte) error {
	*m = ServerInfo{Properties: make(map[string]string)}

	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Version = uint32(v)
			return n, nil

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.PublicKey = append([]byte(nil), v...)
			return n, nil

		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var key, value string
			err := walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ != protowire.BytesType {
					return 0, nil
				}
				s, n := protowire.ConsumeString(b)
				switch num {
				case 1:
					key = s
				case 2:
					value = s
				}
				return n, nil
			})
			if err != nil {
				return 0, err
			}
			m.Properties[key] = value
			return n, nil
		}
		return 0, nil
	})
}

// Encode encodes the initialize message
func (m *Initialize) Encode() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.ConnectionID[:])
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeBool(m.UsesCustomAuth))
	return buf
}

// Decode decodes the initialize message from bytes
func (m *Initialize) Decode(buf []byte) error {
	*m = Initialize{}

	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return 0, err
			}
			m.ConnectionID = id
			return n, nil

		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.UsesCustomAuth = protowire.DecodeBool(v)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}

	if m.ConnectionID == uuid.Nil {
		return errors.New("initialize carries no connection id")
	}
	return nil
}

// Encode encodes the challenge
func (m *Challenge) Encode() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(buf, m.Data)
}

// Decode decodes the challenge from bytes
func (m *Challenge) Decode(buf []byte) error {
	*m = Challenge{}

	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			m.Data = append([]byte(nil), v...)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}

	if len(m.Data) == 0 {
		return errors.New("challenge carries no data")
	}
	return nil
}

// Encode encodes the refusal
func (m *Refusal) Encode() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Cause))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	return protowire.AppendString(buf, m.Message)
}

// Decode decodes the refusal from bytes
func (m *Refusal) Decode(buf []byte) error {
	*m = Refusal{}

	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Cause = uint8(v)
			return n, nil

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Message = v
			return n, nil
		}
		return 0, nil
	})
}

// EncodeHandshake encodes a handshake message as a frame body
func EncodeHandshake(m HandshakeMessage) []byte {
	return append([]byte{byte(m.Kind())}, m.Encode()...)
}

// DecodeHandshake decodes a frame body into a handshake message.
// Malformed bodies are reported as ErrPacketInvalid.
func DecodeHandshake(body []byte) (HandshakeMessage, error) {
	if len(body) == 0 {
		return nil, NewError(CodePacketInvalid, uuid.Nil, "empty handshake frame")
	}

	var m HandshakeMessage
	switch MessageKind(body[0]) {
	case KindServerInfo:
		m = &ServerInfo{}
	case KindInitialize:
		m = &Initialize{}
	case KindChallenge:
		m = &Challenge{}
	case KindRefusal:
		m = &Refusal{}
	default:
		return nil, WrapError(CodePacketInvalid, uuid.Nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, body[0]))
	}

	if err := m.Decode(body[1:]); err != nil {
		return nil, WrapError(CodePacketInvalid, uuid.Nil, fmt.Errorf("decode %s: %w", m.Kind(), err))
	}

	return m, nil
}
