package security

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(key1) != encryptionKeyLength {
		t.Errorf("key length = %d, want %d", len(key1), encryptionKeyLength)
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if bytes.Equal(key1, key2) {
		t.Error("GenerateKey() returned identical keys")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name       string
		key        []byte
		wantErr    bool
		wantEnable bool
	}{
		{"32-byte key", make([]byte, 32), false, true},
		{"nil key disables", nil, false, false},
		{"empty key disables", []byte{}, false, false},
		{"16-byte key rejected", make([]byte, 16), true, false},
		{"64-byte key rejected", make([]byte, 64), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && enc.IsEnabled() != tt.wantEnable {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnable)
			}
		})
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	// Shapes a stored verifier can take
	tests := []struct {
		name      string
		plaintext string
	}{
		{"verifier-shaped value", "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"},
		{"empty string", ""},
		{"long value", "a-much-longer-value-with-mixed-chars_0123456789-abcdefghijklmnopqrstuvwxyz_ABCDEFGHIJKLMNOPQRSTUVWXYZ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if ciphertext == tt.plaintext && tt.plaintext != "" {
				t.Error("Encrypt() returned plaintext unchanged")
			}
			if _, err := base64.StdEncoding.DecodeString(ciphertext); err != nil {
				t.Errorf("Encrypt() output is not base64: %v", err)
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptor_FreshNoncePerEncrypt(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	c1, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	c2, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if c1 == c2 {
		t.Error("two encryptions of the same input should differ")
	}
}

func TestEncryptor_DisabledPassthrough(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	value := "plain verifier"

	ciphertext, err := enc.Encrypt(value)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext != value {
		t.Errorf("disabled Encrypt() = %q, want %q", ciphertext, value)
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if decrypted != value {
		t.Errorf("disabled Decrypt() = %q, want %q", decrypted, value)
	}
}

func TestEncryptor_Decrypt_InvalidData(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []struct {
		name       string
		ciphertext string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"shorter than nonce", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"garbage blob", base64.StdEncoding.EncodeToString([]byte("this blob never came out of Seal and fails auth"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.ciphertext); err == nil {
				t.Error("Decrypt() should reject invalid data")
			}
		})
	}
}

func TestEncryptor_Decrypt_WrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	enc1, err := NewEncryptor(key1)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	ciphertext, err := enc1.Encrypt("secret verifier")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	key2, _ := GenerateKey()
	enc2, err := NewEncryptor(key2)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() under a different key should fail authentication")
	}
}

func TestEncryptor_TamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	ciphertext, err := enc.Encrypt("secret verifier")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	blob, _ := base64.StdEncoding.DecodeString(ciphertext)
	blob[len(blob)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(blob)

	if _, err := enc.Decrypt(tampered); err == nil {
		t.Error("Decrypt() should reject a flipped ciphertext bit")
	}
}
