package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Sealed payload layout:
//
//	[iv 16][ciphertext][hmac-sha256 32][u16 signature length]
//
// The MAC covers aad || iv || ciphertext.
const (
	ivSize        = aes.BlockSize
	signatureSize = sha256.Size
	sigLenSize    = 2

	// MinSealedSize is the size of a sealed empty payload
	MinSealedSize = ivSize + signatureSize + sigLenSize
)

var (
	ErrTampered          = errors.New("payload failed authentication")
	ErrKeyDestroyed      = errors.New("session key destroyed")
	ErrInvalidSessionKey = errors.New("invalid session key size")
)

// HKDF info strings separating the derived keys
var (
	infoEncryption = []byte("atlasnet enc")
	infoSignature  = []byte("atlasnet mac")
)

// SessionTransform encrypts then signs outbound payloads and verifies then
// decrypts inbound payloads with keys derived from a handshake session key.
// It is safe for concurrent use.
type SessionTransform struct {
	mu     sync.RWMutex
	encKey []byte
	macKey []byte
}

// NewSessionTransform derives the encryption and signing keys from a
// SessionKeySize byte session key. The caller keeps ownership of
// sessionKey and should zero it once the transform exists.
func NewSessionTransform(sessionKey []byte) (*SessionTransform, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSessionKey, len(sessionKey))
	}

	encKey, err := deriveKey(sessionKey, infoEncryption)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(sessionKey, infoSignature)
	if err != nil {
		Zero(encKey)
		return nil, err
	}

	return &SessionTransform{encKey: encKey, macKey: macKey}, nil
}

func deriveKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext and signs the result together with aad
func (s *SessionTransform) Seal(aad, plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.encKey == nil {
		return nil, ErrKeyDestroyed
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, ivSize+len(plaintext), ivSize+len(plaintext)+signatureSize+sigLenSize)
	iv := out[:ivSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(out[ivSize:], plaintext)

	out = append(out, s.sign(aad, out)...)
	out = binary.BigEndian.AppendUint16(out, signatureSize)
	return out, nil
}

// Open verifies sealed against aad and returns the decrypted payload.
// Any verification failure yields ErrTampered.
func (s *SessionTransform) Open(aad, sealed []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.encKey == nil {
		return nil, ErrKeyDestroyed
	}

	if len(sealed) < MinSealedSize {
		return nil, fmt.Errorf("%w: %d bytes is below the minimum of %d", ErrTampered, len(sealed), MinSealedSize)
	}

	sigLen := int(binary.BigEndian.Uint16(sealed[len(sealed)-sigLenSize:]))
	if sigLen != signatureSize {
		return nil, fmt.Errorf("%w: signature length %d", ErrTampered, sigLen)
	}

	bodyEnd := len(sealed) - sigLenSize - sigLen
	body := sealed[:bodyEnd]
	signature := sealed[bodyEnd : len(sealed)-sigLenSize]

	if !hmac.Equal(signature, s.sign(aad, body)) {
		return nil, ErrTampered
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(body)-ivSize)
	cipher.NewCTR(block, body[:ivSize]).XORKeyStream(plaintext, body[ivSize:])
	return plaintext, nil
}

func (s *SessionTransform) sign(aad, body []byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(aad)
	mac.Write(body)
	return mac.Sum(nil)
}

// Fingerprint returns a short identifier of the derived keys. Both ends of
// a connection compute the same value.
func (s *SessionTransform) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.encKey == nil {
		return ""
	}

	material := append(append([]byte{}, s.encKey...), s.macKey...)
	defer Zero(material)

	h, err := Hash(material)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(h[:8])
}

// Zero destroys the key material. Later calls to Seal and Open fail with
// ErrKeyDestroyed.
func (s *SessionTransform) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()

	Zero(s.encKey)
	Zero(s.macKey)
	s.encKey = nil
	s.macKey = nil
}
