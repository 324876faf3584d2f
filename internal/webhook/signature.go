package webhook

import (
	"crypto/hmac"
	"errors"
	"net/http"
)

// Signature headers, in lookup order.
const (
	SignatureHeader         = "X-Livekit-Signature"
	FallbackSignatureHeader = "X-Signature"
)

var (
	// ErrSecretNotConfigured rejects every event when no secret is set.
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	// ErrInvalidSignature is returned for a missing or mismatched header.
	ErrInvalidSignature = errors.New("invalid signature")
)

// VerifySignature checks the shared-secret header in constant time.
func VerifySignature(secret string, h http.Header) error {
	if secret == "" {
		return ErrSecretNotConfigured
	}
	sig := h.Get(SignatureHeader)
	if sig == "" {
		sig = h.Get(FallbackSignatureHeader)
	}
	if sig == "" || !hmac.Equal([]byte(sig), []byte(secret)) {
		return ErrInvalidSignature
	}
	return nil
}
