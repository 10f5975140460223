package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// makeTestSignature generates an HMAC-SHA256 signature header for testing.
func makeTestSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
