package crypto

import (
	"strings"
	"testing"
)

const testSecret = "channel-master-secret-32-bytes!!"

func newTestEncryptor(t *testing.T, purpose string) *FieldEncryptor {
	t.Helper()
	fe, err := DeriveFieldEncryptor([]byte(testSecret), purpose)
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor(%q): %v", purpose, err)
	}
	return fe
}

func TestRoundTrip(t *testing.T) {
	fe := newTestEncryptor(t, "channel-config")

	tests := []struct {
		name      string
		plaintext string
	}{
		{"webhook_url", "https://hooks.slack.com/services/T000/B000/live_abc123xyz"},
		{"smtp_password", "s3cr3t-smtp-pass"},
		{"empty", ""},
		{"unicode", "pässwörd ☃"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := fe.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if !strings.HasPrefix(sealed, "enc:v1:") {
				t.Fatalf("missing prefix: %q", sealed)
			}
			if !IsEncrypted(sealed) {
				t.Fatal("IsEncrypted = false for sealed value")
			}
			opened, err := fe.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if opened != tt.plaintext {
				t.Fatalf("round-trip: got %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestDecryptPassthroughAndErrors(t *testing.T) {
	fe := newTestEncryptor(t, "channel-config")

	// Legacy plaintext rows pass through untouched.
	plain := "https://example.com/hook"
	if got, err := fe.Decrypt(plain); err != nil || got != plain {
		t.Fatalf("passthrough: got %q, %v", got, err)
	}

	for name, stored := range map[string]string{
		"bad_base64":  "enc:v1:!!!not-base64!!!",
		"too_short":   "enc:v1:QUJD",
		"tampered":    "enc:v1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"empty_body":  "enc:v1:",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := fe.Decrypt(stored); err == nil {
				t.Fatalf("Decrypt(%q): expected error", stored)
			}
		})
	}
}

func TestPurposeIsolation(t *testing.T) {
	a := newTestEncryptor(t, "channel-config")
	b := newTestEncryptor(t, "provision-token")

	sealed, err := a.Encrypt("smtp-password")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Fatal("expected decryption under a different purpose to fail")
	}
}

func TestNonceFreshness(t *testing.T) {
	fe := newTestEncryptor(t, "channel-config")

	one, err := fe.Encrypt("same-input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	two, err := fe.Encrypt("same-input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if one == two {
		t.Fatal("two encryptions of the same plaintext must not repeat ciphertext")
	}
}
