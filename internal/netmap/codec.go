package netmap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	// hkdfInfo binds derived keys to this protocol version
	hkdfInfo = "beacon-netmap-v1"
)

// Codec seals and opens the peer endpoint list carried inside map payloads.
// The wrapper keeps peer endpoints away from arbitrary HTTP scanners even
// though the response itself is visible on the wire.
type Codec interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(encoded string) ([]byte, error)
}

// AESCodec implements Codec with AES-256-GCM. A fresh key is derived per
// payload from the operator-provided shared secret via HKDF-SHA256 with a
// random salt. Wire format: base64(salt || nonce || ciphertext).
type AESCodec struct {
	secret []byte
}

// NewAESCodec builds a codec from the shared coordinator secret.
func NewAESCodec(secret string) (*AESCodec, error) {
	if secret == "" {
		return nil, errors.New("map secret is empty")
	}

	return &AESCodec{secret: []byte(secret)}, nil
}

// Encrypt seals plaintext under a freshly derived key.
func (c *AESCodec) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.cipher(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, salt)

	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a payload produced by Encrypt.
func (c *AESCodec) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	if len(raw) < saltSize+nonceSize {
		return nil, errors.New("payload too short")
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	ciphertext := raw[saltSize+nonceSize:]

	gcm, err := c.cipher(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	return plaintext, nil
}

// cipher derives the payload key for a salt and returns the AEAD.
func (c *AESCodec) cipher(salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, c.secret, salt, []byte(hkdfInfo))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}

	return cipher.NewGCM(block)
}
