package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ReadFrame reads one length-prefixed frame body from r. Frames longer
// than maxSize are rejected with ErrPacketTooBig before the body is read.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if maxSize > 0 && length > maxSize {
		return nil, NewError(CodePacketTooBig, uuid.Nil, "frame is %d bytes, maximum is %d", length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return body, nil
}

// WriteFrame writes body to w behind its u32 length prefix. The frame is
// written with a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)

	_, err := w.Write(buf)
	return err
}

// EncodeHeaderSection encodes the u16 header length followed by the header.
// The section is also the authenticated data of a sealed payload.
func EncodeHeaderSection(h *Header) ([]byte, error) {
	hdr, err := h.Encode()
	if err != nil {
		return nil, err
	}

	section := make([]byte, HeaderLengthSize+len(hdr))
	binary.BigEndian.PutUint16(section[:HeaderLengthSize], uint16(len(hdr)))
	copy(section[HeaderLengthSize:], hdr)
	return section, nil
}

// EncodePacket encodes a packet body: header section then payload.
func EncodePacket(h *Header, payload []byte) ([]byte, error) {
	section, err := EncodeHeaderSection(h)
	if err != nil {
		return nil, err
	}
	return append(section, payload...), nil
}

// SplitPacket separates a packet body into its header section and payload
// without parsing the header. The header length is checked before any
// other byte of the body is looked at.
func SplitPacket(body []byte) (section, payload []byte, err error) {
	if len(body) < HeaderLengthSize {
		return nil, nil, NewError(CodePacketInvalid, uuid.Nil, "packet is %d bytes, too short for a header length", len(body))
	}

	hlen := int(binary.BigEndian.Uint16(body[:HeaderLengthSize]))
	if hlen > MaxHeaderSize {
		return nil, nil, NewError(CodePacketTooBig, uuid.Nil, "header length %d exceeds %d", hlen, MaxHeaderSize)
	}
	if hlen == 0 || HeaderLengthSize+hlen > len(body) {
		return nil, nil, NewError(CodePacketInvalid, uuid.Nil, "header length %d does not fit a %d byte packet", hlen, len(body))
	}

	end := HeaderLengthSize + hlen
	return body[:end], body[end:], nil
}

// DecodePacket decodes a packet body into its header and payload
func DecodePacket(body []byte) (*Header, []byte, error) {
	section, payload, err := SplitPacket(body)
	if err != nil {
		return nil, nil, err
	}

	h, err := DecodeHeader(section[HeaderLengthSize:])
	if err != nil {
		return nil, nil, err
	}

	return h, payload, nil
}
