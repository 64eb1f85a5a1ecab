package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// envelopeVersion prefixes every ciphertext so a future keyring can
// dispatch decryption on it.
const envelopeVersion = 0x01

// TokenCipher seals upstream provider tokens for storage at rest.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a cipher from a 32-byte AES-256 key.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals plaintext into a base64url envelope: version || nonce || ciphertext.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)

	envelope := make([]byte, 0, 1+len(nonce)+len(sealed))
	envelope = append(envelope, envelopeVersion)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)
	return base64.RawURLEncoding.EncodeToString(envelope), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (c *TokenCipher) Decrypt(encoded string) (string, error) {
	envelope, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid token envelope encoding: %w", err)
	}
	if len(envelope) < 1+c.aead.NonceSize() {
		return "", fmt.Errorf("token envelope too short")
	}
	if envelope[0] != envelopeVersion {
		return "", fmt.Errorf("unsupported token envelope version %d", envelope[0])
	}
	nonce := envelope[1 : 1+c.aead.NonceSize()]
	sealed := envelope[1+c.aead.NonceSize():]

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token envelope: %w", err)
	}
	return string(plaintext), nil
}

// TokenHasher produces keyed one-way hashes of broker tokens and codes.
// Keyed so a leaked database cannot be used to look tokens up offline.
type TokenHasher struct {
	secret []byte
}

// NewTokenHasher creates a hasher from an HMAC secret.
func NewTokenHasher(secret []byte) (*TokenHasher, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hash secret must not be empty")
	}
	return &TokenHasher{secret: secret}, nil
}

// Hash returns the hex-encoded HMAC-SHA256 of value.
func (h *TokenHasher) Hash(value string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// RandomToken returns a base64url-encoded random string of length bytes
// of entropy.
func RandomToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeKey accepts a hex- or base64-encoded key from config.
func DecodeKey(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("key must be hex or base64 encoded")
}
