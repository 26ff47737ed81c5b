package tokencrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

// magicPrefix marks encrypted payloads so the store can tell ciphertext from
// legacy plaintext records on disk.
var magicPrefix = []byte("dgv1::")

var (
	// ErrKeyMissing is returned when encrypted content is found but no
	// encryption key is configured.
	ErrKeyMissing = errors.New("tokencrypt: encrypted payload but no key configured")

	// ErrCiphertextInvalid is returned when a payload carries the magic
	// prefix but cannot be decrypted with the configured key.
	ErrCiphertextInvalid = errors.New("tokencrypt: payload cannot be decrypted")
)

// Codec encrypts and decrypts credential payloads with a key derived from a
// configured secret. The cipher handle is built lazily and cached until the
// secret changes. An empty secret disables encryption: Encrypt passes data
// through unchanged (with a one-time warning) and Decrypt refuses ciphertext.
type Codec struct {
	mu           sync.Mutex
	source       func() string
	cachedSecret string
	aead         cipher.AEAD
	warnOnce     sync.Once
}

// New creates a codec bound to a fixed secret.
func New(secret string) *Codec {
	return NewWithSource(func() string { return secret })
}

// NewWithSource creates a codec whose secret is re-read from source on every
// use, so external key rotation is picked up without restart.
func NewWithSource(source func() string) *Codec {
	if source == nil {
		source = func() string { return "" }
	}
	return &Codec{source: source}
}

// IsEncrypted reports whether data carries the ciphertext envelope.
func IsEncrypted(data []byte) bool {
	return len(data) >= len(magicPrefix) && string(data[:len(magicPrefix)]) == string(magicPrefix)
}

// Enabled reports whether a non-empty secret is currently configured.
func (c *Codec) Enabled() bool {
	return c.cipher() != nil
}

// Encrypt seals plaintext under the configured key. Without a key the input
// is returned unchanged so legacy plaintext deployments keep working.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	aead := c.cipher()
	if aead == nil {
		c.warnOnce.Do(func() {
			log.Warn("TOKEN_ENCRYPTION_KEY is not configured; storing credentials in plaintext")
		})
		return plaintext, nil
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("tokencrypt: generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magicPrefix)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, magicPrefix...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt opens a payload produced by Encrypt. Plaintext payloads pass
// through untouched. Ciphertext without a configured key raises ErrKeyMissing
// rather than returning garbage; ciphertext that fails authentication raises
// ErrCiphertextInvalid.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	if !IsEncrypted(data) {
		return data, nil
	}

	aead := c.cipher()
	if aead == nil {
		return nil, ErrKeyMissing
	}

	payload := data[len(magicPrefix):]
	if len(payload) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: truncated payload", ErrCiphertextInvalid)
	}
	nonce, sealed := payload[:aead.NonceSize()], payload[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertextInvalid, err)
	}
	return plaintext, nil
}

func (c *Codec) cipher() cipher.AEAD {
	secret := strings.TrimSpace(c.source())

	c.mu.Lock()
	defer c.mu.Unlock()
	if secret != c.cachedSecret || (secret != "" && c.aead == nil) {
		c.cachedSecret = secret
		c.aead = nil
		if secret != "" {
			aead, err := chacha20poly1305.New(deriveKey(secret))
			if err != nil {
				log.WithError(err).Error("tokencrypt: failed to build cipher")
			} else {
				c.aead = aead
			}
		}
	}
	return c.aead
}

// deriveKey turns the configured secret into a 32-byte cipher key. A raw
// 32-byte secret is used directly; anything else is digested.
func deriveKey(secret string) []byte {
	raw := []byte(secret)
	if len(raw) == chacha20poly1305.KeySize {
		return raw
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}
