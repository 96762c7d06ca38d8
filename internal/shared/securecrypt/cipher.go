package securecrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Algorithm selects the AEAD construction used to seal tunnel frames.
type Algorithm string

const (
	ChaCha20Poly1305 Algorithm = "chacha20"
	AES256GCM        Algorithm = "aes-gcm"
)

// Cipher seals and opens tunnel frames with a nonce-prefixed AEAD. One
// Cipher may be shared between the uplink and downlink goroutines of a
// relay; Seal and Open are safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New creates the default (XChaCha20-Poly1305) frame cipher for the given
// shared secret.
func New(secret string) (*Cipher, error) {
	return NewWithAlgorithm(secret, ChaCha20Poly1305)
}

// NewWithAlgorithm creates a frame cipher with an explicit algorithm. Both
// sides of a tunnel must agree on the algorithm and the secret; the key is
// derived the same way for either algorithm so switching one knob never
// silently changes the other.
func NewWithAlgorithm(secret string, algo Algorithm) (*Cipher, error) {
	hash := sha256.Sum256([]byte("tlsvcproxy-tunnel-v1:" + secret))
	key := hash[:]

	var aead cipher.AEAD
	var err error
	switch algo {
	case AES256GCM:
		aead, err = newAESGCMAEAD(key)
	case ChaCha20Poly1305:
		fallthrough
	default:
		aead, err = newChaCha20AEAD(key)
	}
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a self-contained frame: nonce || ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("securecrypt: nonce generation failed: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a frame produced by Seal.
func (c *Cipher) Open(frame []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(frame) < nonceSize {
		return nil, fmt.Errorf("securecrypt: frame shorter than nonce")
	}
	plaintext, err := c.aead.Open(nil, frame[:nonceSize], frame[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("securecrypt: open failed: %w", err)
	}
	return plaintext, nil
}

// Overhead reports the per-frame expansion (nonce plus AEAD tag), used by
// callers sizing length-prefixed frames.
func (c *Cipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}
