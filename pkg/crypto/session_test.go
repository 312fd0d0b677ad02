package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestTransforms(t *testing.T) (*SessionTransform, *SessionTransform) {
	t.Helper()

	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey() error = %v", err)
	}

	a, err := NewSessionTransform(key)
	if err != nil {
		t.Fatalf("NewSessionTransform() error = %v", err)
	}
	b, err := NewSessionTransform(key)
	if err != nil {
		t.Fatalf("NewSessionTransform() error = %v", err)
	}
	return a, b
}

func TestSessionTransformRoundTrip(t *testing.T) {
	sender, receiver := newTestTransforms(t)
	aad := []byte{0x00, 0x04, 'h', 'd', 'r', '!'}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("echo")},
		{"large", bytes.Repeat([]byte("atlas"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := sender.Seal(aad, tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}

			if len(sealed) != len(tt.plaintext)+MinSealedSize {
				t.Errorf("Seal() length = %d, want %d", len(sealed), len(tt.plaintext)+MinSealedSize)
			}

			opened, err := receiver.Open(aad, sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, tt.plaintext) {
				t.Error("Open() returned different plaintext")
			}
		})
	}

	if sender.Fingerprint() != receiver.Fingerprint() {
		t.Error("transforms built from the same key should share a fingerprint")
	}
}

func TestSessionTransformSealIsRandomized(t *testing.T) {
	s, _ := newTestTransforms(t)

	a, _ := s.Seal(nil, []byte("same"))
	b, _ := s.Seal(nil, []byte("same"))
	if bytes.Equal(a, b) {
		t.Error("Seal() should use a fresh IV per call")
	}
}

func TestSessionTransformDetectsEveryBitFlip(t *testing.T) {
	sender, receiver := newTestTransforms(t)
	aad := []byte("header")

	sealed, err := sender.Seal(aad, []byte("tamper with me"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	for i := 0; i < len(sealed)*8; i++ {
		flipped := append([]byte{}, sealed...)
		flipped[i/8] ^= 1 << (i % 8)

		if _, err := receiver.Open(aad, flipped); !errors.Is(err, ErrTampered) {
			t.Fatalf("Open() with bit %d flipped error = %v, want ErrTampered", i, err)
		}
	}
}

func TestSessionTransformAuthenticatesAAD(t *testing.T) {
	sender, receiver := newTestTransforms(t)

	sealed, _ := sender.Seal([]byte("header-a"), []byte("payload"))
	if _, err := receiver.Open([]byte("header-b"), sealed); !errors.Is(err, ErrTampered) {
		t.Errorf("Open() with altered aad error = %v, want ErrTampered", err)
	}
}

func TestSessionTransformRejectsShortInput(t *testing.T) {
	_, receiver := newTestTransforms(t)

	for _, size := range []int{0, 1, MinSealedSize - 1} {
		if _, err := receiver.Open(nil, make([]byte, size)); !errors.Is(err, ErrTampered) {
			t.Errorf("Open(%d bytes) error = %v, want ErrTampered", size, err)
		}
	}
}

func TestSessionTransformWrongKey(t *testing.T) {
	a, _ := newTestTransforms(t)
	b, _ := newTestTransforms(t)

	sealed, _ := a.Seal(nil, []byte("payload"))
	if _, err := b.Open(nil, sealed); !errors.Is(err, ErrTampered) {
		t.Errorf("Open() with another session key error = %v, want ErrTampered", err)
	}
}

func TestSessionTransformZero(t *testing.T) {
	s, _ := newTestTransforms(t)
	s.Zero()

	if _, err := s.Seal(nil, []byte("x")); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Seal() after Zero() error = %v, want ErrKeyDestroyed", err)
	}
	if _, err := s.Open(nil, make([]byte, MinSealedSize)); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Open() after Zero() error = %v, want ErrKeyDestroyed", err)
	}
	if s.Fingerprint() != "" {
		t.Error("Fingerprint() after Zero() should be empty")
	}
}

func TestNewSessionTransformKeySize(t *testing.T) {
	if _, err := NewSessionTransform(make([]byte, 16)); !errors.Is(err, ErrInvalidSessionKey) {
		t.Errorf("NewSessionTransform() error = %v, want ErrInvalidSessionKey", err)
	}
}
