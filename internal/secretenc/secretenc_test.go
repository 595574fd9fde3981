package secretenc_test

import (
	"os"
	"strings"
	"testing"

	"github.com/websoft9/sshpool/internal/secretenc"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	tests := []string{
		"hello",
		"a longer secret value with special chars: !@#$%^&*()",
		"中文密码测试",
		strings.Repeat("x", 10000),
	}

	for _, plaintext := range tests {
		encrypted, err := secretenc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", plaintext, err)
		}
		if encrypted == "" || encrypted == plaintext {
			t.Fatalf("Encrypt(%q) returned %q, want a distinct hex ciphertext", plaintext, encrypted)
		}

		decrypted, err := secretenc.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt error: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("roundtrip mismatch: got %q, want %q", decrypted, plaintext)
		}
	}
}

func TestEncryptProducesDifferentCiphertexts(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	a, _ := secretenc.Encrypt("same-value")
	b, _ := secretenc.Encrypt("same-value")
	if a == b {
		t.Error("two encryptions of the same value should differ (random nonce)")
	}
}

func TestDecryptInvalidHex(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	if _, err := secretenc.Decrypt("not-valid-hex!"); err == nil {
		t.Error("expected error for invalid hex input")
	}
}

func TestDecryptTooShort(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	if _, err := secretenc.Decrypt("aabb"); err == nil {
		t.Error("expected error for too-short ciphertext")
	}
}

func TestDecryptTamperedData(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	encrypted, _ := secretenc.Encrypt("secret")
	runes := []byte(encrypted)
	mid := len(runes) / 2
	if runes[mid] == 'a' {
		runes[mid] = 'b'
	} else {
		runes[mid] = 'a'
	}
	if _, err := secretenc.Decrypt(string(runes)); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestCustomKeyFromEnv(t *testing.T) {
	secretenc.ResetKey()
	defer func() {
		os.Unsetenv(secretenc.EnvKey)
		secretenc.ResetKey()
	}()

	customKey := strings.Repeat("ab", 32) // 64 hex chars = 32 bytes
	os.Setenv(secretenc.EnvKey, customKey)

	encrypted, err := secretenc.Encrypt("test-with-custom-key")
	if err != nil {
		t.Fatalf("Encrypt error with custom key: %v", err)
	}
	decrypted, err := secretenc.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt error with custom key: %v", err)
	}
	if decrypted != "test-with-custom-key" {
		t.Errorf("got %q, want %q", decrypted, "test-with-custom-key")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	secretenc.ResetKey()
	defer func() {
		os.Unsetenv(secretenc.EnvKey)
		secretenc.ResetKey()
	}()

	os.Setenv(secretenc.EnvKey, "aabb") // only 2 bytes
	if _, err := secretenc.Encrypt("test"); err == nil {
		t.Error("expected error for invalid key length")
	}
}

func TestEncryptIfSetPassesEmptyThrough(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	got, err := secretenc.EncryptIfSet("")
	if err != nil {
		t.Fatalf("EncryptIfSet(\"\") error: %v", err)
	}
	if got != "" {
		t.Errorf("EncryptIfSet(\"\") = %q, want empty string", got)
	}
}

func TestDecryptIfSetPassesEmptyThrough(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	got, err := secretenc.DecryptIfSet("")
	if err != nil {
		t.Fatalf("DecryptIfSet(\"\") error: %v", err)
	}
	if got != "" {
		t.Errorf("DecryptIfSet(\"\") = %q, want empty string", got)
	}
}

func TestEncryptIfSetDecryptIfSetRoundTrip(t *testing.T) {
	secretenc.ResetKey()
	defer secretenc.ResetKey()

	encrypted, err := secretenc.EncryptIfSet("proxy-password")
	if err != nil {
		t.Fatalf("EncryptIfSet error: %v", err)
	}
	decrypted, err := secretenc.DecryptIfSet(encrypted)
	if err != nil {
		t.Fatalf("DecryptIfSet error: %v", err)
	}
	if decrypted != "proxy-password" {
		t.Errorf("got %q, want %q", decrypted, "proxy-password")
	}
}
