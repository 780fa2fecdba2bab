package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	return privateKey
}

func writePEM(t *testing.T, block *pem.Block) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "test-key.pem")
	if err := os.WriteFile(tmpFile, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return tmpFile
}

func TestCredentials_Sign(t *testing.T) {
	privateKey := testKey(t)
	creds := NewCredentials("test-key-id", privateKey, HeaderNames{})
	creds.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }

	headers, err := creds.Sign("GET", "/stream/v1")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if got := headers.Get("X-Stream-Key"); got != "test-key-id" {
		t.Errorf("X-Stream-Key = %q, want %q", got, "test-key-id")
	}
	if got := headers.Get("X-Stream-Timestamp"); got != "1700000000123" {
		t.Errorf("X-Stream-Timestamp = %q, want %q", got, "1700000000123")
	}

	sig, err := base64.StdEncoding.DecodeString(headers.Get("X-Stream-Signature"))
	if err != nil {
		t.Fatalf("signature is not valid base64: %v", err)
	}
	hashed := sha256.Sum256([]byte("1700000000123GET/stream/v1"))
	err = rsa.VerifyPSS(&privateKey.PublicKey, crypto.SHA256, hashed[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestCredentials_CustomHeaderNames(t *testing.T) {
	creds := NewCredentials("k", testKey(t), HeaderNames{
		Key:       "EXCHANGE-ACCESS-KEY",
		Signature: "EXCHANGE-ACCESS-SIGNATURE",
	})

	headers, err := creds.Sign("GET", "/")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if headers.Get("EXCHANGE-ACCESS-KEY") != "k" {
		t.Errorf("EXCHANGE-ACCESS-KEY = %q, want k", headers.Get("EXCHANGE-ACCESS-KEY"))
	}
	if headers.Get("EXCHANGE-ACCESS-SIGNATURE") == "" {
		t.Error("EXCHANGE-ACCESS-SIGNATURE is empty")
	}
	// Unset names fall back to the defaults.
	if headers.Get("X-Stream-Timestamp") == "" {
		t.Error("X-Stream-Timestamp is empty")
	}
}

func TestCredentials_HandshakeSigner(t *testing.T) {
	privateKey := testKey(t)
	creds := NewCredentials("ws-key", privateKey, HeaderNames{})

	ts := int64(1_700_000_000_000)
	creds.now = func() time.Time {
		ts++
		return time.UnixMilli(ts)
	}

	sign, err := creds.HandshakeSigner("wss://feed.example.com/stream/v1?compress=0")
	if err != nil {
		t.Fatalf("HandshakeSigner failed: %v", err)
	}

	first, err := sign()
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	second, err := sign()
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if first.Get("X-Stream-Timestamp") == second.Get("X-Stream-Timestamp") {
		t.Error("each handshake should carry a fresh timestamp")
	}

	sig, _ := base64.StdEncoding.DecodeString(first.Get("X-Stream-Signature"))
	hashed := sha256.Sum256([]byte(first.Get("X-Stream-Timestamp") + "GET/stream/v1"))
	err = rsa.VerifyPSS(&privateKey.PublicKey, crypto.SHA256, hashed[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		t.Errorf("signature over URL path does not verify: %v", err)
	}
}

func TestCredentials_HandshakeSignerInvalidURL(t *testing.T) {
	creds := NewCredentials("k", testKey(t), HeaderNames{})
	if _, err := creds.HandshakeSigner("://bad"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestLoadPrivateKey_PKCS8(t *testing.T) {
	privateKey := testKey(t)

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		t.Fatalf("failed to marshal PKCS#8: %v", err)
	}
	tmpFile := writePEM(t, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})

	loadedKey, err := LoadPrivateKey(tmpFile)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loadedKey.N.Cmp(privateKey.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_PKCS1(t *testing.T) {
	privateKey := testKey(t)
	tmpFile := writePEM(t, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	loadedKey, err := LoadPrivateKey(tmpFile)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loadedKey.N.Cmp(privateKey.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	invalid := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(invalid, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"file not found", "/nonexistent/path/to/key.pem"},
		{"invalid pem", invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPrivateKey(tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	pkcs8Bytes, _ := x509.MarshalPKCS8PrivateKey(testKey(t))
	tmpFile := writePEM(t, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})

	creds, err := LoadCredentials("my-key-id", tmpFile, HeaderNames{})
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.KeyID != "my-key-id" {
		t.Errorf("KeyID = %q, want %q", creds.KeyID, "my-key-id")
	}
	if creds.PrivateKey == nil {
		t.Error("PrivateKey is nil")
	}
	if creds.Headers != DefaultHeaderNames() {
		t.Errorf("Headers = %+v, want defaults", creds.Headers)
	}
}

func TestLoadCredentials_MissingInputs(t *testing.T) {
	if _, err := LoadCredentials("", "/some/path", HeaderNames{}); !errors.Is(err, ErrMissingKeyID) {
		t.Errorf("missing key ID error = %v, want ErrMissingKeyID", err)
	}
	if _, err := LoadCredentials("key-id", "", HeaderNames{}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("missing path error = %v, want ErrMissingKey", err)
	}
}
