package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SeedBytes is the server seed size; 32 bytes gives 256 bits of entropy.
const SeedBytes = 32

// GenerateServerSeed returns a hex encoded random seed.
func GenerateServerSeed() (string, error) {
	b := make([]byte, SeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate server seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSeed is the public commitment for a server seed.
func HashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// CheckCommitment reports whether serverSeed hashes to commitment.
func CheckCommitment(serverSeed, commitment string) bool {
	got := HashSeed(serverSeed)
	return subtle.ConstantTimeCompare([]byte(got), []byte(commitment)) == 1
}
