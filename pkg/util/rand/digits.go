package rand

import (
	"crypto/rand"
	"math/big"
)

// NewDigits generates a cryptographically secure random decimal string of n
// digits, for use as a replication slot id. n below 1 falls back to 15
// digits; any n of 1 or more is used as given.
func NewDigits(n int) string {
	if n < 1 {
		n = 15
	}

	b := make([]byte, n)
	for i := range b {
		digit, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic(err)
		}
		b[i] = byte('0') + byte(digit.Int64())
	}
	return string(b)
}
