package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// SessionKeySize is the size of the symmetric key exchanged in the handshake
const SessionKeySize = 32

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// HashString generates a BLAKE2b hash and returns hex string
func HashString(data []byte) (string, error) {
	hash, err := Hash(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// KeyFingerprint returns the hex BLAKE2b-256 hash of the PKIX encoding of
// an identity key
func KeyFingerprint(key *rsa.PublicKey) (string, error) {
	der, err := ExportPublicKeyDER(key)
	if err != nil {
		return "", err
	}
	return HashString(der)
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}

// GenerateSessionKey generates a fresh random session key
func GenerateSessionKey() ([]byte, error) {
	return GenerateNonce(SessionKeySize)
}

// Equal compares two byte slices in constant time
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zeros
func Zero(b []byte) {
	clear(b)
}
