// Package envelope seals message text for groups that require confidentiality.
//
// Envelope layout, base64 (std) encoded:
//
//	salt(64) || nonce(16) || tag(16) || ciphertext
//
// The AES-256 key is derived per envelope from the group secret and the salt
// with PBKDF2-HMAC-SHA256, so no two envelopes share a key or a nonce.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize  = 64
	NonceSize = 16
	TagSize   = 16
	KeySize   = 32

	// DefaultIterations is the PBKDF2 work factor for production use.
	DefaultIterations = 100000

	headerSize = SaltSize + NonceSize + TagSize
)

var (
	ErrEmptySecret          = errors.New("encryption secret cannot be empty")
	ErrInvalidEnvelope      = errors.New("invalid envelope format")
	ErrAuthenticationFailed = errors.New("envelope authentication failed")
)

// Codec encrypts and decrypts envelopes. It holds no key material and is safe for concurrent use.
type Codec struct {
	iterations int
	random     io.Reader
}

// Option customises a Codec.
type Option func(*Codec)

// WithIterations overrides the PBKDF2 iteration count. Tests use a small value.
func WithIterations(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// NewCodec returns a codec using DefaultIterations unless overridden.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{iterations: DefaultIterations, random: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypt seals plaintext under secret with a fresh salt and nonce.
func (c *Codec) Encrypt(plaintext, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	header := make([]byte, SaltSize+NonceSize)
	if _, err := io.ReadFull(c.random, header); err != nil {
		return "", fmt.Errorf("failed to generate salt and nonce: %w", err)
	}
	salt, nonce := header[:SaltSize], header[SaltSize:]

	aead, err := c.aead(secret, salt)
	if err != nil {
		return "", err
	}

	// Seal yields ciphertext||tag; the envelope stores the tag first.
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, headerSize+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope. Any malformed or tampered input, or a wrong
// secret, yields ErrAuthenticationFailed (possibly wrapping ErrInvalidEnvelope)
// and never partial plaintext.
func (c *Codec) Decrypt(envelope, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	data, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil || len(data) < headerSize {
		return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, ErrInvalidEnvelope)
	}

	salt := data[:SaltSize]
	nonce := data[SaltSize : SaltSize+NonceSize]
	tag := data[SaltSize+NonceSize : headerSize]
	ct := data[headerSize:]

	aead, err := c.aead(secret, salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plain), nil
}

func (c *Codec) aead(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, c.iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// GenerateSecret returns a fresh random group secret (32 bytes, base64).
func GenerateSecret() (string, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
