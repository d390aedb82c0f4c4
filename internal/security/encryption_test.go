package security

import (
	"bytes"
	"errors"
	"testing"

	"monadic-chat/internal/domain"
)

func TestSnapshotCipherRoundTrip(t *testing.T) {
	c, err := NewSnapshotCipher("correct horse")
	if err != nil {
		t.Fatal(err)
	}

	plain := []byte(`{"key":"s1","records":[]}`)
	sealed, err := c.Seal(plain)
	if err != nil {
		t.Fatal(err)
	}
	if !IsSealed(sealed) {
		t.Fatal("sealed data lacks prefix")
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("plaintext visible in sealed data")
	}

	got, err := c.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open = %q, want %q", got, plain)
	}
}

func TestSnapshotCipherNonceUnique(t *testing.T) {
	c, err := NewSnapshotCipher("pw")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Seal([]byte("same"))
	b, _ := c.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext must differ")
	}
}

func TestSnapshotCipherOtherInstanceSamePassphrase(t *testing.T) {
	writer, _ := NewSnapshotCipher("shared")
	reader, _ := NewSnapshotCipher("shared")

	sealed, err := writer.Seal([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := reader.Open(sealed)
	if err != nil {
		t.Fatalf("open with fresh instance: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestSnapshotCipherWrongPassphrase(t *testing.T) {
	writer, _ := NewSnapshotCipher("one")
	reader, _ := NewSnapshotCipher("two")

	sealed, _ := writer.Seal([]byte("secret"))
	_, err := reader.Open(sealed)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
}

func TestSnapshotCipherPlaintextPassthrough(t *testing.T) {
	c, _ := NewSnapshotCipher("pw")
	got, err := c.Open([]byte(`{"plain":true}`))
	if err != nil || string(got) != `{"plain":true}` {
		t.Errorf("Open(plain) = %q, %v", got, err)
	}
}

func TestSnapshotCipherTruncated(t *testing.T) {
	c, _ := NewSnapshotCipher("pw")
	sealed, _ := c.Seal([]byte("data"))
	for _, n := range []int{len(sealedMagic) + 3, len(sealedMagic) + saltSize + 2, len(sealed) - 1} {
		if _, err := c.Open(sealed[:n]); !errors.Is(err, domain.ErrDecryption) {
			t.Errorf("Open(truncated %d) = %v, want ErrDecryption", n, err)
		}
	}
}

func TestNewSnapshotCipherEmptyPassphrase(t *testing.T) {
	if _, err := NewSnapshotCipher(""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}
