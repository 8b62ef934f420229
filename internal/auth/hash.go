package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is used by HashKey when cost is out of range.
const DefaultBcryptCost = 12

// KeyChecker verifies presented API keys against one configured key, held
// either in plain form or as a bcrypt hash. After a bcrypt match the digest
// of the matching key is kept so later requests skip bcrypt.
type KeyChecker struct {
	plain [sha256.Size]byte
	hash  []byte

	compare  func(hash, password []byte) error
	mu       sync.Mutex
	verified [sha256.Size]byte
	cached   bool
}

// NewKeyChecker prefers hash when both are set.
func NewKeyChecker(plain, hash string) (*KeyChecker, error) {
	switch {
	case hash != "":
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
		}
		return &KeyChecker{hash: []byte(hash), compare: bcrypt.CompareHashAndPassword}, nil
	case plain != "":
		return &KeyChecker{plain: sha256.Sum256([]byte(plain))}, nil
	}
	return nil, errors.New("no API key configured")
}

// Verify reports whether presented matches. Plain keys are compared in
// constant time over their digests.
func (k *KeyChecker) Verify(presented string) bool {
	if k == nil || presented == "" {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	if k.hash == nil {
		return subtle.ConstantTimeCompare(sum[:], k.plain[:]) == 1
	}
	k.mu.Lock()
	hit := k.cached && subtle.ConstantTimeCompare(sum[:], k.verified[:]) == 1
	k.mu.Unlock()
	if hit {
		return true
	}
	if k.compare(k.hash, []byte(presented)) != nil {
		return false
	}
	k.mu.Lock()
	k.verified, k.cached = sum, true
	k.mu.Unlock()
	return true
}

// HashKey returns the bcrypt hash to put in MCP_API_KEY_HASH.
func HashKey(rawKey string, cost int) (string, error) {
	if rawKey == "" {
		return "", errors.New("empty key")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash failed: %w", err)
	}
	return string(hash), nil
}
