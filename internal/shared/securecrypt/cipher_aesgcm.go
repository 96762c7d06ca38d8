package securecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// newAESGCMAEAD builds an AES-256-GCM AEAD for deployments where hardware
// AES outruns ChaCha20.
func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("securecrypt: AES init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securecrypt: GCM init failed: %w", err)
	}
	return aead, nil
}
