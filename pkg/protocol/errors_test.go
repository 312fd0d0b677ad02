package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCodeRanges(t *testing.T) {
	tests := []struct {
		code     Code
		local    bool
		request  bool
		response bool
		wire     Code
	}{
		{CodeAcknowledge, false, false, false, CodeAcknowledge},
		{CodePacketInvalid, false, true, false, CodePacketInvalid},
		{CodeUnknownRequest, false, true, false, CodeUnknownRequest},
		{CodeDesync, false, true, false, CodeDesync},
		{CodeFailure, false, false, true, CodeFailure},
		{CodeNotImplemented, false, false, true, CodeNotImplemented},
		{CodeIncompatible, true, false, false, CodeFailure},
		{CodeTampered, true, false, false, CodeFailure},
		{CodeRateLimited, true, false, false, CodeFailure},
		{CodePacketTooBig, true, false, false, CodePacketInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if tt.code.IsLocal() != tt.local {
				t.Errorf("IsLocal() = %v, want %v", tt.code.IsLocal(), tt.local)
			}
			if tt.code.IsRequestFailure() != tt.request {
				t.Errorf("IsRequestFailure() = %v, want %v", tt.code.IsRequestFailure(), tt.request)
			}
			if tt.code.IsResponseFailure() != tt.response {
				t.Errorf("IsResponseFailure() = %v, want %v", tt.code.IsResponseFailure(), tt.response)
			}
			if tt.code.Wire() != tt.wire {
				t.Errorf("Wire() = %d, want %d", tt.code.Wire(), tt.wire)
			}
		})
	}
}

func TestNetworkErrorIs(t *testing.T) {
	id := uuid.New()
	err := fmt.Errorf("handling: %w", NewError(CodeUnknownRequest, id, "no handler for %q", "echo"))

	if !errors.Is(err, ErrUnknownRequest) {
		t.Error("wrapped error should match ErrUnknownRequest")
	}
	if errors.Is(err, ErrFailure) {
		t.Error("wrapped error should not match ErrFailure")
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatal("errors.As should find the NetworkError")
	}
	if netErr.ID != id {
		t.Errorf("ID = %v, want %v", netErr.ID, id)
	}
	if !strings.Contains(err.Error(), "unknown request (204)") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrapErrorUnwrap(t *testing.T) {
	err := WrapError(CodePacketInvalid, uuid.Nil, io.ErrUnexpectedEOF)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("wrapped cause should be reachable")
	}
	if !errors.Is(err, ErrPacketInvalid) {
		t.Error("code should still match")
	}
}

func TestFromCode(t *testing.T) {
	id := uuid.New()

	if err := FromCode(CodeAcknowledge, id); err != nil {
		t.Errorf("FromCode(0) = %v, want nil", err)
	}
	if err := FromCode(Code(1), id); err != nil {
		t.Errorf("FromCode(1) = %v, want nil", err)
	}
	if err := FromCode(CodeExternalFailure, id); !errors.Is(err, ErrExternalFailure) {
		t.Errorf("FromCode(301) = %v, want ErrExternalFailure", err)
	}
}
