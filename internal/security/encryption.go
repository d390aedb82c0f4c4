package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"

	"monadic-chat/internal/domain"
)

// sealedMagic prefixes every sealed snapshot. Data without it is plaintext.
var sealedMagic = []byte("MCS1")

const saltSize = 16

// SnapshotCipher encrypts stored session snapshots with AES-256-GCM. The key
// is derived from a passphrase via Argon2id; each sealed blob embeds its
// salt so snapshots written under an older salt still open.
type SnapshotCipher struct {
	passphrase []byte
	salt       []byte
	aead       cipher.AEAD

	mu    sync.Mutex
	cache map[string]cipher.AEAD // salt -> aead for Open
}

// NewSnapshotCipher creates a cipher from a passphrase.
// Returns error if passphrase is empty.
func NewSnapshotCipher(passphrase string) (*SnapshotCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	c := &SnapshotCipher{
		passphrase: []byte(passphrase),
		salt:       salt,
		cache:      make(map[string]cipher.AEAD),
	}
	aead, err := c.aeadFor(salt)
	if err != nil {
		return nil, err
	}
	c.aead = aead
	return c, nil
}

// Seal encrypts plaintext as magic + salt + nonce + ciphertext.
func (c *SnapshotCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", domain.ErrEncryption, err)
	}

	out := make([]byte, 0, len(sealedMagic)+saltSize+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, c.salt...)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, sealedMagic), nil
}

// Open decrypts data produced by Seal. Data without the sealed prefix is
// returned unchanged, so stores written before encryption was enabled
// still load.
func (c *SnapshotCipher) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	rest := data[len(sealedMagic):]
	if len(rest) < saltSize {
		return nil, fmt.Errorf("%w: sealed data too short", domain.ErrDecryption)
	}
	salt, rest := rest[:saltSize], rest[saltSize:]

	aead, err := c.aeadFor(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed data too short", domain.ErrDecryption)
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, sealedMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the sealed prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}

// Zeroize clears the passphrase from memory. Call on shutdown.
func (c *SnapshotCipher) Zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.passphrase {
		c.passphrase[i] = 0
	}
}

func (c *SnapshotCipher) aeadFor(salt []byte) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if aead, ok := c.cache[string(salt)]; ok {
		return aead, nil
	}

	block, err := aes.NewCipher(deriveKey(c.passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", domain.ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create gcm: %v", domain.ErrEncryption, err)
	}
	c.cache[string(salt)] = aead
	return aead, nil
}

// deriveKey uses Argon2id to derive a 32-byte key.
func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}
