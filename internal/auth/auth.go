// Package auth signs WebSocket handshakes with RSA-PSS signatures.
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
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Errors
var (
	ErrMissingKeyID = errors.New("API key ID is required")
	ErrMissingKey   = errors.New("private key path is required")
)

// HeaderNames names the three handshake headers a feed expects.
type HeaderNames struct {
	Key       string
	Timestamp string
	Signature string
}

// DefaultHeaderNames returns the header names used when none are configured.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Key:       "X-Stream-Key",
		Timestamp: "X-Stream-Timestamp",
		Signature: "X-Stream-Signature",
	}
}

// Credentials holds the API key and private key for signing handshakes.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	Headers    HeaderNames

	now func() time.Time
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string, headers HeaderNames) (*Credentials, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if privateKeyPath == "" {
		return nil, ErrMissingKey
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return NewCredentials(keyID, privateKey, headers), nil
}

// NewCredentials builds credentials from an in-memory key. Empty header
// names fall back to DefaultHeaderNames.
func NewCredentials(keyID string, key *rsa.PrivateKey, headers HeaderNames) *Credentials {
	def := DefaultHeaderNames()
	if headers.Key == "" {
		headers.Key = def.Key
	}
	if headers.Timestamp == "" {
		headers.Timestamp = def.Timestamp
	}
	if headers.Signature == "" {
		headers.Signature = def.Signature
	}
	return &Credentials{
		KeyID:      keyID,
		PrivateKey: key,
		Headers:    headers,
		now:        time.Now,
	}
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// PKCS#8 first, then PKCS#1
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return rsaKey, nil
}

// Sign returns the authentication headers for a request.
// The signed message is timestamp_ms + method + path.
func (c *Credentials) Sign(method, path string) (http.Header, error) {
	timestampMs := c.now().UnixMilli()

	signature, err := c.signature(timestampMs, method, path)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set(c.Headers.Key, c.KeyID)
	h.Set(c.Headers.Timestamp, strconv.FormatInt(timestampMs, 10))
	h.Set(c.Headers.Signature, signature)
	return h, nil
}

// HandshakeSigner returns a function that signs a fresh GET handshake for
// wsURL on every call, suitable for connection.WithHeaders. Each reconnect
// gets a new timestamp.
func (c *Credentials) HandshakeSigner(wsURL string) (func() (http.Header, error), error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return func() (http.Header, error) {
		return c.Sign(http.MethodGet, path)
	}, nil
}

func (c *Credentials) signature(timestampMs int64, method, path string) (string, error) {
	message := strconv.FormatInt(timestampMs, 10) + method + path
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}
