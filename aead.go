package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// aeadCipher is the per-frame media cipher: AES-128-GCM with the tag
// truncated to 8 bytes. Nonce uniqueness is the caller's problem.
type aeadCipher struct {
	gcm cipher.AEAD
}

func newAEADCipher(key []byte) (*aeadCipher, error) {
	if len(key) < aesGCMKeyBytes {
		return nil, fmt.Errorf("aead key too short: %d", len(key))
	}
	block, err := aes.NewCipher(key[:aesGCMKeyBytes])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aeadCipher{gcm: gcm}, nil
}

// encrypt seals plaintext into ciphertext (same length) and writes the
// truncated tag into tag. ciphertext must be len(plaintext) bytes and tag
// aesGCMTruncatedTagBytes.
func (c *aeadCipher) encrypt(ciphertext, plaintext, nonce, aad, tag []byte) bool {
	if len(nonce) != aesGCMNonceBytes || len(tag) != aesGCMTruncatedTagBytes {
		return false
	}
	if len(ciphertext) < len(plaintext) {
		return false
	}
	sealed := c.gcm.Seal(nil, nonce, plaintext, aad)
	copy(ciphertext, sealed[:len(plaintext)])
	copy(tag, sealed[len(plaintext):len(plaintext)+aesGCMTruncatedTagBytes])
	return true
}

// decrypt opens ciphertext into plaintext. The full 16-byte GCM tag is
// recomputed from a trial encryption so the 8-byte truncated tag can be
// verified without a partial-tag mode. No plaintext is exposed on failure.
func (c *aeadCipher) decrypt(plaintext, ciphertext, tag, nonce, aad []byte) bool {
	if len(nonce) != aesGCMNonceBytes || len(tag) != aesGCMTruncatedTagBytes {
		return false
	}
	if len(plaintext) < len(ciphertext) {
		return false
	}
	// The stdlib GCM only verifies full 16-byte tags. GCM is CTR
	// underneath, so recover the candidate plaintext via the keystream,
	// re-seal it, and compare the recomputed tag against the truncated
	// one from the wire.
	keystream := c.gcm.Seal(nil, nonce, make([]byte, len(ciphertext)), nil)
	out := make([]byte, len(ciphertext))
	for i := range out {
		out[i] = ciphertext[i] ^ keystream[i]
	}
	sealed := c.gcm.Seal(nil, nonce, out, aad)
	fullTag := sealed[len(out):]
	if subtle.ConstantTimeCompare(fullTag[:aesGCMTruncatedTagBytes], tag) != 1 {
		return false
	}
	copy(plaintext, out)
	return true
}

// transportCipher protects the outer RTP payload with
// XChaCha20-Poly1305. The 24-byte nonce is the big-endian 32-bit packet
// nonce followed by zeros.
type transportCipher struct {
	aead cipher.AEAD
}

func newTransportCipher(secretKey []byte) (*transportCipher, error) {
	if len(secretKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("transport key must be %d bytes, got %d", chacha20poly1305.KeySize, len(secretKey))
	}
	aead, err := chacha20poly1305.NewX(secretKey)
	if err != nil {
		return nil, err
	}
	return &transportCipher{aead: aead}, nil
}

func transportNonce(wireNonce []byte) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, wireNonce)
	return nonce
}

func (t *transportCipher) encrypt(plaintext, wireNonce, aad []byte) []byte {
	return t.aead.Seal(nil, transportNonce(wireNonce), plaintext, aad)
}

func (t *transportCipher) decrypt(ciphertext, wireNonce, aad []byte) ([]byte, error) {
	return t.aead.Open(nil, transportNonce(wireNonce), ciphertext, aad)
}
