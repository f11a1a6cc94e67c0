package common

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	usernameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"
)

// GenerateUsername returns a random username like "user_8f2a". The caller is
// responsible for checking uniqueness against the store.
func GenerateUsername(prefix string) (string, error) {
	suffix, err := randFromAlphabet(usernameAlphabet, 4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s", prefix, suffix), nil
}

// GeneratePassword returns a random password of the given length drawn from
// letters, digits and a small set of punctuation characters.
func GeneratePassword(length int) (string, error) {
	return randFromAlphabet(passwordAlphabet, length)
}

func randFromAlphabet(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}
