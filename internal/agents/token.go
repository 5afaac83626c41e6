package agents

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	tokenPrefix = "dat_"
	tokenLength = 32 // 256 bits
)

// GenerateToken returns a fresh agent token from crypto/rand.
func GenerateToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the digest stored in place of the plaintext token.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// tokenMatches compares digests in constant time.
func tokenMatches(storedHash, token string) bool {
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}
