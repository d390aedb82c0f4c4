package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MaxSessionKeyLen bounds session keys; they become file names and primary keys.
const MaxSessionKeyLen = 128

// ValidateSessionKey checks that a session key is safe for filesystem use.
func ValidateSessionKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: session key cannot be empty", ErrInvalidInput)
	}
	if len(key) > MaxSessionKeyLen {
		return fmt.Errorf("%w: session key longer than %d bytes", ErrInvalidInput, MaxSessionKeyLen)
	}
	if strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("%w: session key contains path separators or null bytes: %q", ErrInvalidInput, key)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("%w: session key contains parent directory reference: %q", ErrInvalidInput, key)
	}
	if filepath.Clean(key) != key {
		return fmt.Errorf("%w: session key is not a clean path: %q", ErrInvalidInput, key)
	}
	return nil
}
