package ledger

import (
	"bytes"
	"testing"
)

func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	salt := make([]byte, EncryptionSaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}
	enc, err := NewEncryptor(EncryptionConfig{
		Enabled:     true,
		KeyPassword: "test-password-123",
		Salt:        salt,
	})
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	return enc
}

func TestEncryptorRoundTripSizes(t *testing.T) {
	enc := testEncryptor(t)

	for _, size := range []int{0, 64, 127, 128, 129, 192, 256, 12345} {
		plaintext := make([]byte, size)
		for i := range plaintext {
			plaintext[i] = byte(i * 7)
		}

		ciphertext, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("size %d: Encrypt failed: %v", size, err)
		}
		decrypted, err := enc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("size %d: Decrypt failed: %v", size, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

func TestEncryptorTamperDetection(t *testing.T) {
	enc := testEncryptor(t)

	plaintext := make([]byte, 256)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Any single-bit flip anywhere in the first 128 bytes must make
	// decryption fail rather than return wrong plaintext.
	limit := 128
	if limit > len(ciphertext) {
		limit = len(ciphertext)
	}
	for pos := 0; pos < limit; pos++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), ciphertext...)
			tampered[pos] ^= 1 << bit
			if _, err := enc.Decrypt(tampered); err == nil {
				t.Fatalf("tamper at byte %d bit %d not detected", pos, bit)
			}
		}
	}
}

func TestEncryptorTruncationDetection(t *testing.T) {
	enc := testEncryptor(t)

	ciphertext, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	for _, n := range []int{0, 1, EncryptionNonceSize - 1, EncryptionNonceSize, len(ciphertext) - 1} {
		if _, err := enc.Decrypt(ciphertext[:n]); err == nil {
			t.Errorf("truncation to %d bytes not detected", n)
		}
	}
}

func TestEncryptorNoncesNeverRepeat(t *testing.T) {
	enc := testEncryptor(t)

	a, err := enc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := enc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext are identical")
	}
}

func TestEncryptorSharedSaltDerivesSameKey(t *testing.T) {
	// Two devices configured with the same password and salt must be able to
	// read each other's payloads.
	a := testEncryptor(t)
	b := testEncryptor(t)

	ciphertext, err := a.Encrypt([]byte("cross-device payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	decrypted, err := b.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("peer Decrypt failed: %v", err)
	}
	if string(decrypted) != "cross-device payload" {
		t.Error("peer decrypted wrong plaintext")
	}
}

func TestEncryptorConfigValidation(t *testing.T) {
	if enc, err := NewEncryptor(EncryptionConfig{Enabled: false}); err != nil || enc != nil {
		t.Error("disabled config should produce nil encryptor and no error")
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true}); err == nil {
		t.Error("expected error when no key or password is set")
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"}); err == nil {
		t.Error("expected error for password without salt")
	}
	if _, err := NewEncryptorWithKey(make([]byte, EncryptionKeySize)); err != nil {
		t.Errorf("NewEncryptorWithKey failed: %v", err)
	}
}
