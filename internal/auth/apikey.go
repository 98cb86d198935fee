// Package auth handles API keys: generation, bcrypt hashing, masked
// presentation, and resolving a presented key to its caller credential.
package auth

import (
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix is mandatory on every gateway API key.
const KeyPrefix = "sk-llmweaver-"

const (
	randomPartLen = 32
	alphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateKey returns a fresh API key: the prefix plus 32 random
// alphanumeric characters.
func GenerateKey() (string, error) {
	buf := make([]byte, randomPartLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(KeyPrefix)
	for _, b := range buf {
		sb.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return sb.String(), nil
}

// HashKey returns the bcrypt hash under which a key is stored. The
// plaintext key is never persisted.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash key: %w", err)
	}
	return string(h), nil
}

// VerifyKey reports whether the presented key matches the stored hash.
func VerifyKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// MaskKey renders a key for display: the first 12 characters, a star per
// hidden character, and the last 4. Keys too short to mask meaningfully
// are fully starred.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	hidden := len(key) - 16
	if hidden < 0 {
		hidden = 0
	}
	return key[:12] + strings.Repeat("*", hidden) + key[len(key)-4:]
}
