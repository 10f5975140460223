package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignaturePrefix = "sha256="
)

// VerifySignature verifies the HMAC-SHA256 signature of a GitHub webhook
// over the raw request body. It fails closed: an empty secret rejects
// every delivery.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	// Signature format: "sha256=<hex_digest>"
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	receivedMAC, err := hex.DecodeString(strings.TrimPrefix(signature, SignaturePrefix))
	if err != nil || len(receivedMAC) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	// Constant-time comparison to prevent timing attacks
	return hmac.Equal(mac.Sum(nil), receivedMAC)
}
