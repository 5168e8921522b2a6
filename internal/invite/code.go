// Package invite provides short-lived invite codes for joining spaces:
// generation of the codes themselves and a Redis-backed store mapping a
// live code to its space.
package invite

import (
	"crypto/rand"
)

const (
	digitAlphabet  = "0123456789"
	letterAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// CodeLength is the fixed size of every invite code.
	CodeLength = 6
)

// GenerateCode returns a 6-character code built from 3 uniformly random
// digits and 3 uniformly random uppercase letters, in shuffled order.
func GenerateCode() string {
	code := make([]byte, 0, CodeLength)
	for i := 0; i < 3; i++ {
		code = append(code, digitAlphabet[randInt(len(digitAlphabet))])
	}
	for i := 0; i < 3; i++ {
		code = append(code, letterAlphabet[randInt(len(letterAlphabet))])
	}

	// Fisher-Yates shuffle, so every position is equally likely to hold a
	// digit or a letter.
	for i := len(code) - 1; i > 0; i-- {
		j := randInt(i + 1)
		code[i], code[j] = code[j], code[i]
	}
	return string(code)
}

// randInt returns a uniform value in [0, n) for n <= 256, using rejection
// sampling to avoid modulo bias.
func randInt(n int) int {
	limit := 256 - (256 % n)
	var b [1]byte
	for {
		_, _ = rand.Read(b[:])
		if int(b[0]) < limit {
			return int(b[0]) % n
		}
	}
}
