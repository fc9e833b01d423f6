// Package auth issues and hashes genplane API keys. Only hashes are stored;
// the raw key is shown to the operator once, at creation.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks genplane user keys so they are recognisable in configs and logs.
const KeyPrefix = "gp_"

const keyBytes = 32

// NewAPIKey returns a fresh user key and the hash to persist for it.
func NewAPIKey() (key, hash string, err error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(raw)
	return key, HashKey(key), nil
}

// HashKey returns the hex SHA-256 of a presented key. Surrounding whitespace
// from copy-pasted bearer tokens is ignored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
