package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the shortest webhook secret or API key accepted at load.
	MinSecretLength = 32

	// MinEntropy is the minimum Shannon entropy (bits per character) of a credential.
	MinEntropy = 3.0

	// generatedSecretBytes encodes to 64 hex characters.
	generatedSecretBytes = 32
)

// placeholders are values copied straight out of sample configuration files.
var placeholders = []string{
	"replace",
	"changeme",
	"change-me",
	"your-secret",
	"your-api-key",
	"example",
	"password",
	"topsecret",
}

// ValidateSecret reports whether a credential is usable as a webhook secret or
// deploy API key. label names the credential in the error message.
func ValidateSecret(label, secret string) error {
	if secret == "" {
		return fmt.Errorf("%s is empty", label)
	}
	if len(secret) < MinSecretLength {
		return fmt.Errorf("%s too short (minimum %d characters, got %d)", label, MinSecretLength, len(secret))
	}

	lower := strings.ToLower(secret)
	for _, p := range placeholders {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%s looks like a placeholder (contains %q)", label, p)
		}
	}

	if entropy := calculateEntropy(secret); entropy < MinEntropy {
		return fmt.Errorf("%s has insufficient entropy (%.2f < %.2f)", label, entropy, MinEntropy)
	}

	return nil
}

// GenerateSecret returns a random hex-encoded secret suitable for both the
// GitHub webhook and the manual deploy API key.
func GenerateSecret() (string, error) {
	buf := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IsWeakSecret is a softer check than ValidateSecret, used for startup warnings.
func IsWeakSecret(secret string) bool {
	if len(secret) < MinSecretLength {
		return true
	}
	if strings.Trim(secret, secret[:1]) == "" {
		return true
	}
	if isSequential(secret) {
		return true
	}
	return calculateEntropy(secret) < MinEntropy
}

// calculateEntropy computes the Shannon entropy of s in bits per character.
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// isSequential reports whether most adjacent characters step by one ("1234", "dcba").
func isSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	steps := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			steps++
		}
	}
	return float64(steps) > float64(len(s))*0.7
}
