package iso8583

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand/v2"
	"strings"
)

var ten = big.NewInt(10)

// RandomDigits returns n random decimal digits.
func RandomDigits(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			b.WriteByte(byte('0' + mrand.IntN(10)))
			continue
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String()
}

// RandomApprovalCode returns a six digit approval code for field 38.
func RandomApprovalCode() string {
	return RandomDigits(6)
}
