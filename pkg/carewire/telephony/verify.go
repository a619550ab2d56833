package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

var (
	// ErrMissingSignature is returned when the signature header is absent.
	ErrMissingSignature = errors.New("telephony: missing webhook signature")

	// ErrInvalidSignature is returned when the signature does not match the body.
	ErrInvalidSignature = errors.New("telephony: invalid webhook signature")
)

// Sign computes the hex HMAC-SHA256 a sender attaches to a webhook body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the HMAC of a webhook body in constant time. An
// empty secret disables verification and always passes; callers are expected
// to warn about that at startup.
func VerifySignature(secret, signature string, body []byte) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return ErrMissingSignature
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(secret, body))) {
		return ErrInvalidSignature
	}
	return nil
}
