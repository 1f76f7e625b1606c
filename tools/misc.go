package tools

import (
	"errors"
	"math/rand"
	"net/mail"
	"strings"

	"github.com/modfin/henry/slicez"
)

// NormalizeEmail lower-cases and trims an address. Recipients are stored
// normalized so the suppression list and the send table agree on identity.
func NormalizeEmail(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func ValidEmail(address string) bool {
	if len(address) == 0 {
		return false
	}
	_, err := mail.ParseAddress(address)
	return err == nil
}

func DomainOfEmail(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", errors.New("no domain was present in email address")
	}
	return slicez.Nth(parts, -1), nil
}

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890")

func RandStringRunes(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}
