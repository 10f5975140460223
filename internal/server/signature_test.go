package server

import (
	"testing"
)

const testSecret = "test-secret-at-least-32-chars-long-here"

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	signature := makeTestSignature(payload, testSecret)

	if !VerifySignature(payload, signature, testSecret) {
		t.Error("Expected valid signature to be accepted")
	}
}

func TestVerifySignature_Invalid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	wrongSecret := "wrong-secret-at-least-32-chars-long-x"
	signature := makeTestSignature(payload, wrongSecret)

	if VerifySignature(payload, signature, testSecret) {
		t.Error("Expected invalid signature to be rejected")
	}
}

func TestVerifySignature_MissingHeader(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	if VerifySignature(payload, "", testSecret) {
		t.Error("Expected missing signature to be rejected")
	}
}

func TestVerifySignature_EmptySecretFailsClosed(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	signature := makeTestSignature(payload, "")

	if VerifySignature(payload, signature, "") {
		t.Error("Expected an empty secret to reject every signature")
	}
}

func TestVerifySignature_MalformedSignature(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	valid := makeTestSignature(payload, testSecret)

	testCases := []struct {
		name      string
		signature string
	}{
		{"no prefix", "abc123def456"},
		{"wrong prefix", "sha1=abc123def456"},
		{"no equals", "sha256abc123def456"},
		{"empty after prefix", "sha256="},
		{"not hex", "sha256=" + string(make([]byte, 64))},
		{"truncated digest", valid[:len(valid)-2]},
		{"uppercase prefix", "SHA256=" + valid[len(SignaturePrefix):]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if VerifySignature(payload, tc.signature, testSecret) {
				t.Errorf("Expected malformed signature '%s' to be rejected", tc.signature)
			}
		})
	}
}

// TestVerifySignature_BitFlips checks that flipping any single bit of the
// body invalidates the signature.
func TestVerifySignature_BitFlips(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"ref":"refs/heads/main","repository":{"full_name":"acme/app"}}`),
		[]byte("payload=%7B%22ref%22%3A%22refs%2Fheads%2Fmain%22%7D"),
		{0x00},
	}

	for _, payload := range payloads {
		signature := makeTestSignature(payload, testSecret)
		if !VerifySignature(payload, signature, testSecret) {
			t.Fatalf("valid signature rejected for %q", payload)
		}

		for i := range payload {
			for bit := 0; bit < 8; bit++ {
				mutated := append([]byte(nil), payload...)
				mutated[i] ^= 1 << bit
				if VerifySignature(mutated, signature, testSecret) {
					t.Fatalf("mutation at byte %d bit %d accepted", i, bit)
				}
			}
		}
	}
}

func BenchmarkVerifySignature(b *testing.B) {
	payload := make([]byte, 64*1024)
	signature := makeTestSignature(payload, testSecret)

	for i := 0; i < b.N; i++ {
		_ = VerifySignature(payload, signature, testSecret)
	}
}
