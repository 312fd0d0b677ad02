package protocol

import (
	"time"
)

// Protocol constants
const (
	// Protocol version spoken by this build
	ProtocolVersion = 1

	// Default TCP port of a listener
	DefaultPort = 27717

	// Maximum encoded header size
	MaxHeaderSize = 200

	// Default maximum frame body size (16 MiB)
	DefaultMaxFrameSize = 16 << 20

	// Size of the u32 length prefix
	LengthPrefixSize = 4

	// Size of the u16 header length field
	HeaderLengthSize = 2
)

// SupportedVersions lists the protocol versions a responder accepts.
var SupportedVersions = []uint32{ProtocolVersion}

// Protocol defaults
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultAckTimeout       = 2 * time.Minute
	MaxAckTimeout           = 30 * time.Minute
	DefaultHandshakeTimeout = 2 * time.Minute
)

// DisconnectKey is the reserved request key used to announce a graceful disconnect.
const DisconnectKey = "system:disconnect"

// IsSupportedVersion reports whether v is in SupportedVersions.
func IsSupportedVersion(v uint32) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() uint64 {
	return uint64(time.Now().UnixMilli())
}
