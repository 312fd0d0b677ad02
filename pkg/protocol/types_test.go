package protocol

import (
	"testing"
	"time"
)

func TestNowUnixMilli(t *testing.T) {
	now1 := int64(NowUnixMilli())
	now2 := time.Now().UnixMilli()

	// They should be very close (within 10ms)
	diff := now2 - now1
	if diff < 0 {
		diff = -diff
	}

	if diff > 10 {
		t.Errorf("NowUnixMilli() = %d, time.Now().UnixMilli() = %d, diff = %d ms (too large)", now1, now2, diff)
	}

	minTime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if now1 < minTime {
		t.Errorf("NowUnixMilli() = %d, which is before 2020", now1)
	}
}

func TestProtocolConstants(t *testing.T) {
	if ProtocolVersion == 0 {
		t.Error("ProtocolVersion is zero")
	}

	if !IsSupportedVersion(ProtocolVersion) {
		t.Error("ProtocolVersion is not in SupportedVersions")
	}

	if MaxHeaderSize != 200 {
		t.Errorf("MaxHeaderSize = %d, want 200", MaxHeaderSize)
	}

	if DefaultAckTimeout > MaxAckTimeout {
		t.Errorf("DefaultAckTimeout %v exceeds MaxAckTimeout %v", DefaultAckTimeout, MaxAckTimeout)
	}

	if DefaultPort != 27717 {
		t.Errorf("DefaultPort = %d, want 27717", DefaultPort)
	}
}
