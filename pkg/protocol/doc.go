// Package protocol implements the atlasnet wire format.
//
// atlasnet is a point-to-point request/response protocol between a listener
// and a dialer over an ordered, reliable byte stream (TCP). This package
// defines the framing, the packet header, the handshake messages and the
// error code taxonomy. It holds no connection state; see package network for
// the handshake state machines and request correlation.
//
// # Framing
//
// Every unit on the wire is a frame:
//
//	u32 length         big-endian, counts the bytes that follow
//	length bytes       frame body
//
// Before the handshake completes, the body is a single handshake message:
//
//	u8 kind            KindServerInfo, KindInitialize, KindChallenge, KindRefusal
//	remaining bytes    protobuf-encoded message fields
//
// After the handshake the body is a packet:
//
//	u16 header_length  at most MaxHeaderSize (200)
//	header bytes       protobuf-encoded Header
//	remaining bytes    sealed payload (see crypto.SessionTransform)
//
// The header travels in clear text so the receiver can reject oversized or
// malformed frames before doing any cryptography. It is still covered by the
// payload MAC, so it cannot be altered in transit.
//
// # Header
//
// A Header is either a request header (RequestKey and Timeout set) or a
// response header (Code set). Code 0 is an acknowledgment: the remote is
// still processing and the requester should wait for the carried timeout.
//
// # Error codes
//
//	200-299  request side failures (invalid packet, unauthorized, ...)
//	300-399  response side failures (failure, external failure, ...)
//	< 0      local-only conditions, never sent as response codes
//
// # Compatibility
//
// The protocol version is a single integer. A responder rejects any peer
// whose version is not in SupportedVersions before key material is exchanged.
package protocol
