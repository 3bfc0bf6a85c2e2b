// Package recovery implements the seed-phrase account recovery flow: a
// 12-word mnemonic whose hash is backed up server-side and can later
// authorize a password reset.
package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// PhraseWords is the number of words in a recovery phrase.
const PhraseWords = 12

// GeneratePhrase creates a new 12-word recovery phrase from 128 bits of
// entropy.
func GeneratePhrase() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("mnemonic: %w", err)
	}
	return phrase, nil
}

// NormalizePhrase canonicalizes user input: lowercase, single spaces, no
// surrounding whitespace. Hashing always runs on the normalized form so
// sloppy re-entry still verifies.
func NormalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// ValidatePhrase checks that the input is a well-formed 12-word phrase.
func ValidatePhrase(phrase string) error {
	words := strings.Fields(NormalizePhrase(phrase))
	if len(words) != PhraseWords {
		return fmt.Errorf("recovery phrase must be exactly %d words, got %d", PhraseWords, len(words))
	}
	return nil
}

// HashPhrase returns the hex-encoded SHA-256 of the normalized phrase.
// Only this hash ever leaves the device.
func HashPhrase(phrase string) string {
	sum := sha256.Sum256([]byte(NormalizePhrase(phrase)))
	return hex.EncodeToString(sum[:])
}
