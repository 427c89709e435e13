// Package ident generates the random identifiers used across the server:
// pseudonymous user ids, private room ids, room passwords and identity
// secrets.
package ident

import (
	"crypto/rand"
	"math/big"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const (
	userIDLength   = 5
	roomIDLength   = 10
	passwordLength = 8
	secretLength   = 24
)

// returns a random alphanumeric string of the given length
func RandomString(length int) string {
	out := make([]byte, length)

	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken
			panic(err)
		}
		out[i] = alphanumeric[n.Int64()]
	}

	return string(out)
}

// returns a new pseudonymous user id, e.g. "user_x7Rq2"
func NewUserID() string {
	return "user_" + RandomString(userIDLength)
}

// returns a new private room id, e.g. "private_a8sKq01xTz"
func NewRoomID() string {
	return "private_" + RandomString(roomIDLength)
}

// returns a new 8-character room password
func NewPassword() string {
	return RandomString(passwordLength)
}

// returns a new identity secret
func NewSecret() string {
	return RandomString(secretLength)
}
