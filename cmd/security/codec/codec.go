package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the master key and of every derived key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the size of the per-seal nonce (96 bits).
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the size of the Poly1305 authentication tag.
	TagSize = chacha20poly1305.Overhead

	deriveInfo = "astral/session-secret/v1:"
)

// Sealed is the at-rest form of a secret.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// IsZero reports whether s carries no data.
func (s Sealed) IsZero() bool {
	return len(s.Ciphertext) == 0 && len(s.Nonce) == 0 && len(s.Tag) == 0
}

// Codec encrypts and decrypts secrets. It holds only immutable key material
// and is safe for concurrent use.
type Codec struct {
	master []byte
	rand   io.Reader
}

// New returns a Codec for a 32-byte master key.
func New(masterKey []byte) (*Codec, error) {
	if len(masterKey) != KeySize {
		return nil, ErrMasterKey
	}
	k := make([]byte, KeySize)
	copy(k, masterKey)
	return &Codec{master: k, rand: rand.Reader}, nil
}

// NewFromBase64 decodes a base64 (standard or URL, padded or raw) master key.
func NewFromBase64(s string) (*Codec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMasterKey
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return New(b)
		}
	}
	return nil, fmt.Errorf("%w: invalid base64", ErrMasterKey)
}

// Encrypt seals plaintext for subjectID with a fresh random nonce.
func (c *Codec) Encrypt(plaintext []byte, subjectID string) (Sealed, error) {
	aead, err := c.aeadFor(subjectID)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return Sealed{}, fmt.Errorf("codec: nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, []byte(subjectID))
	split := len(out) - TagSize

	return Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

// Decrypt opens a value sealed for subjectID. Any authentication failure
// yields ErrIntegrity.
func (c *Codec) Decrypt(s Sealed, subjectID string) ([]byte, error) {
	if len(s.Nonce) != NonceSize || len(s.Tag) != TagSize {
		return nil, ErrIntegrity
	}
	aead, err := c.aeadFor(subjectID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	pt, err := aead.Open(nil, s.Nonce, buf, []byte(subjectID))
	if err != nil {
		return nil, ErrIntegrity
	}
	return pt, nil
}

func (c *Codec) aeadFor(subjectID string) (cipher.AEAD, error) {
	if c == nil || len(c.master) != KeySize {
		return nil, ErrMasterKey
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, c.master, nil, []byte(deriveInfo+subjectID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("codec: derive: %w", err)
	}
	return chacha20poly1305.New(key)
}
