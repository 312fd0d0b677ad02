package protocol

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeAcknowledge encodes the payload of an acknowledgment: the time the
// requester should keep waiting for the terminal response.
func EncodeAcknowledge(timeout time.Duration) []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(timeout.Milliseconds()))
}

// DecodeAcknowledge decodes an acknowledgment payload. Payloads that fail
// to parse or carry no timeout yield DefaultAckTimeout. Timeouts above
// MaxAckTimeout are clamped to it.
func DecodeAcknowledge(payload []byte) time.Duration {
	var ms uint64
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			ms = v
			return n, nil
		}
		return 0, nil
	})
	if err != nil || ms == 0 {
		return DefaultAckTimeout
	}
	if ms > uint64(MaxAckTimeout/time.Millisecond) {
		return MaxAckTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// EncodeDisconnect encodes the payload of a disconnect request
func EncodeDisconnect(reason string) []byte {
	buf := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(buf, reason)
}

// DecodeDisconnect decodes the reason of a disconnect request
func DecodeDisconnect(payload []byte) (string, error) {
	var reason string
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			reason = v
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return "", err
	}
	return reason, nil
}
