package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// IssueStreamToken generates a fresh stream credential. The plaintext is
// handed to the daemon once; only the hash is ever persisted.
func IssueStreamToken() (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate stream token: %w", err)
	}
	plaintext = hex.EncodeToString(raw)
	return plaintext, HashStreamToken(plaintext), nil
}

// HashStreamToken digests a presented token with the same primitive used
// at issue time.
func HashStreamToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// tokenHashEqual compares two token hashes in constant time. A length
// mismatch short-circuits to false without comparing content.
func tokenHashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyStreamToken checks a presented plaintext token against the stored
// hash for a live session. Sessions in any other status always fail.
func (s *Store) VerifyStreamToken(sessionID, presented string) (bool, error) {
	storedHash, err := s.liveTokenHash(sessionID)
	if err != nil {
		return false, err
	}
	if storedHash == "" {
		return false, nil
	}
	return tokenHashEqual(storedHash, HashStreamToken(presented)), nil
}
