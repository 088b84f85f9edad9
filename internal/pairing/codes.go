// ABOUTME: Join token and PIN generation for pairing ceremonies
// ABOUTME: Tokens are 32-char alphanumeric, PINs are six digits stored only as bcrypt hashes

package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	joinTokenLength   = 32
	joinTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewJoinToken returns a random 32-character alphanumeric join token.
func NewJoinToken() (string, error) {
	alphabetLen := big.NewInt(int64(len(joinTokenAlphabet)))
	buf := make([]byte, joinTokenLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generating join token: %w", err)
		}
		buf[i] = joinTokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// NewPin returns a random six-digit PIN in [100000, 999999].
func NewPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generating pin: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}

// HashPin hashes a PIN for storage. The plaintext travels to the connecting
// device exactly once and is never persisted.
func HashPin(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing pin: %w", err)
	}
	return string(hash), nil
}
