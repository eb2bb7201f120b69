// Package pkce generates the client-side values of an OAuth 2.0 Proof Key
// for Code Exchange handshake (RFC 7636): the anti-CSRF state, the code
// verifier and its S256 code challenge.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// unreservedChars is the RFC 3986 unreserved character set. Verifiers
// and state values are drawn from it so they need no URL escaping.
const unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

const (
	// VerifierMinLen and VerifierMaxLen bound the code verifier length
	// (RFC 7636 Section 4.1).
	VerifierMinLen = 43
	VerifierMaxLen = 128

	// stateLen is the length of generated state values.
	stateLen = 40

	// verifierLen is the length of generated code verifiers.
	verifierLen = 64

	// MethodS256 is the only code_challenge_method this client sends.
	MethodS256 = "S256"
)

// Digest computes a SHA-256 digest. nativeDigest is the platform
// implementation; a nil or panicking digest falls back to Sum256.
type Digest func([]byte) [32]byte

var nativeDigest Digest = sha256.Sum256

// GenerateRandomString returns length characters drawn from the
// unreserved URI character set. Each character is picked from one
// random byte modulo the set size, so the distribution is not bias
// corrected.
func GenerateRandomString(length int) string {
	if length <= 0 {
		return ""
	}

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	for i := range b {
		b[i] = unreservedChars[int(b[i])%len(unreservedChars)]
	}

	return string(b)
}

// NewState returns a fresh anti-CSRF state value.
func NewState() string {
	return GenerateRandomString(stateLen)
}

// NewCodeVerifier returns a fresh code verifier.
func NewCodeVerifier() string {
	return GenerateRandomString(verifierLen)
}

// ValidateVerifier checks the RFC 7636 length and character constraints.
func ValidateVerifier(verifier string) error {
	if len(verifier) < VerifierMinLen || len(verifier) > VerifierMaxLen {
		return fmt.Errorf("code verifier must be %d-%d characters, got %d", VerifierMinLen, VerifierMaxLen, len(verifier))
	}

	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("code verifier contains invalid character %q at offset %d", verifier[i], i)
		}
	}

	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}

	return false
}

// GenerateCodeChallenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	return challengeWith(nativeDigest, verifier)
}

func challengeWith(digest Digest, verifier string) string {
	sum, ok := tryDigest(digest, []byte(verifier))
	if !ok {
		sum = Sum256([]byte(verifier))
	}

	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// tryDigest runs digest and reports false if it is missing or panics.
func tryDigest(digest Digest, data []byte) (sum [32]byte, ok bool) {
	if digest == nil {
		return sum, false
	}

	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	return digest(data), true
}

// Pair is a verifier together with its derived challenge.
type Pair struct {
	Verifier  string
	Challenge string
}

// NewPair generates a verifier and its challenge.
func NewPair() Pair {
	v := NewCodeVerifier()
	return Pair{Verifier: v, Challenge: GenerateCodeChallenge(v)}
}
